package aggregate

type riskyService struct {
	title       string
	cwe         string
	base        float64
	remediation string
}

const restrictAccess = "Restrict the port to trusted networks with a firewall or bind the service to localhost."

// riskyServices are services whose mere reachability is a finding:
// cleartext remote access and datastores that commonly ship without auth.
var riskyServices = map[string]riskyService{
	"telnet": {
		title:       "Cleartext Telnet service exposed",
		cwe:         "CWE-319",
		base:        7.5,
		remediation: "Disable Telnet and use SSH for remote administration.",
	},
	"ftp": {
		title:       "Cleartext FTP service exposed",
		cwe:         "CWE-319",
		base:        5.3,
		remediation: "Replace FTP with SFTP or FTPS, or " + lowerFirst(restrictAccess),
	},
	"vnc": {
		title:       "VNC remote desktop exposed",
		cwe:         "CWE-306",
		base:        7.5,
		remediation: restrictAccess + " Tunnel VNC over SSH or a VPN.",
	},
	"rdp": {
		title:       "RDP remote desktop exposed",
		cwe:         "CWE-306",
		base:        6.5,
		remediation: restrictAccess + " Require Network Level Authentication.",
	},
	"smb": {
		title:       "SMB file sharing exposed",
		cwe:         "CWE-306",
		base:        7.0,
		remediation: restrictAccess,
	},
	"redis": {
		title:       "Redis datastore exposed",
		cwe:         "CWE-306",
		base:        7.5,
		remediation: restrictAccess + " Enable protected-mode and requirepass.",
	},
	"mongodb": {
		title:       "MongoDB datastore exposed",
		cwe:         "CWE-306",
		base:        7.5,
		remediation: restrictAccess + " Enable authorization.",
	},
	"memcached": {
		title:       "Memcached exposed",
		cwe:         "CWE-306",
		base:        7.0,
		remediation: restrictAccess + " Disable the UDP listener.",
	},
	"elasticsearch": {
		title:       "Elasticsearch HTTP API exposed",
		cwe:         "CWE-306",
		base:        7.5,
		remediation: restrictAccess + " Enable the security features.",
	},
	"mysql": {
		title:       "MySQL server exposed",
		cwe:         "CWE-306",
		base:        5.0,
		remediation: restrictAccess,
	},
	"postgresql": {
		title:       "PostgreSQL server exposed",
		cwe:         "CWE-306",
		base:        5.0,
		remediation: restrictAccess,
	},
	"mssql": {
		title:       "SQL Server exposed",
		cwe:         "CWE-306",
		base:        5.0,
		remediation: restrictAccess,
	},
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]|0x20) + s[1:]
}

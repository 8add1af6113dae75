package config

import "os"

// Server holds policy-store server configuration.
type Server struct {
	Port      string
	DBPath    string
	AdminUser string
	AdminPass string
	OrgID     string
	OrgName   string
	OrgEmail  string
	OrgPhone  string
}

// LoadServer returns the server configuration from environment variables.
func LoadServer() Server {
	return Server{
		Port:      getEnv("PORT", "9090"),
		DBPath:    getEnv("DB_PATH", "tether.db"),
		AdminUser: getEnv("ADMIN_USER", "admin"),
		AdminPass: getEnv("ADMIN_PASS", ""),
		OrgID:     getEnv("ORG_ID", "default"),
		OrgName:   getEnv("ORG_NAME", "Tether"),
		OrgEmail:  getEnv("ORG_CONTACT_EMAIL", ""),
		OrgPhone:  getEnv("ORG_SUPPORT_PHONE", ""),
	}
}

// Agent holds managed-device agent configuration.
type Agent struct {
	ServerURL string
	DataDir   string
	NotifyURL string // Shoutrrr URL for owner notifications, optional
}

// LoadAgent returns the agent configuration from environment variables.
func LoadAgent() Agent {
	return Agent{
		ServerURL: getEnv("TETHER_SERVER", "http://localhost:9090"),
		DataDir:   getEnv("TETHER_DATA_DIR", "."),
		NotifyURL: getEnv("TETHER_NOTIFY_URL", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

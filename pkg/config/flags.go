package config

import (
	"fmt"
	"net/url"

	"github.com/spf13/pflag"
)

// DBFlags holds the tenant database connection settings shared by every
// worker that talks to Greenlight.
type DBFlags struct {
	Name     string
	User     string
	Password string
	Host     string
	Port     string
}

// RegisterDBFlags registers the shared database flags on fs. Defaults come
// from the environment so containerised deployments can skip the flags.
func RegisterDBFlags(fs *pflag.FlagSet) *DBFlags {
	f := &DBFlags{}
	fs.StringVar(&f.Name, "dbName", GetEnv("DB_NAME", "greenlight_production"), "Database name")
	fs.StringVar(&f.User, "dbUser", GetEnv("DB_USER", "postgres"), "Database user")
	fs.StringVar(&f.Password, "dbPassword", GetEnv("DB_PASSWORD", ""), "Database password")
	fs.StringVar(&f.Host, "dbHost", GetEnv("DB_HOST", "127.0.0.1"), "Database host")
	fs.StringVar(&f.Port, "dbPort", GetEnv("DB_PORT", "5432"), "Database port")
	return f
}

// URL builds a lib/pq connection URL from the flag values.
func (f *DBFlags) URL() string {
	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%s", f.Host, f.Port),
		Path:   "/" + f.Name,
	}
	if f.Password != "" {
		u.User = url.UserPassword(f.User, f.Password)
	} else {
		u.User = url.User(f.User)
	}
	q := u.Query()
	q.Set("sslmode", GetEnv("DB_SSLMODE", "disable"))
	u.RawQuery = q.Encode()
	return u.String()
}

// RegisterLogFileFlag registers the shared --logFile flag.
func RegisterLogFileFlag(fs *pflag.FlagSet) *string {
	return fs.StringP("logFile", "g", GetEnv("LOG_FILE", ""), "path to an additional log file")
}

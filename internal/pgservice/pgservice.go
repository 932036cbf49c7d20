// Package pgservice resolves a named [service] section from a
// pg_service.conf file, falling back to .pgpass for the password, and
// produces a libpq connection string pgx can parse directly. This lets
// pgcall be pointed at "production" instead of a full postgres:// URL,
// per spec.md §6.
package pgservice

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgpassfile"
	"github.com/jackc/pgservicefile"
)

// Resolve looks up serviceName in the service file named by PGSERVICEFILE,
// or ~/.pg_service.conf if unset, and returns a libpq keyword/value
// connection string. If the service has no password, .pgpass is
// consulted (PGPASSFILE, or ~/.pgpass) before giving up.
func Resolve(serviceName string) (string, error) {
	servicePath, err := serviceFilePath()
	if err != nil {
		return "", fmt.Errorf("locating pg_service.conf: %w", err)
	}

	file, err := pgservicefile.ReadServiceFile(servicePath)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", servicePath, err)
	}

	service, err := file.GetService(serviceName)
	if err != nil {
		return "", fmt.Errorf("service %q not found in %s: %w", serviceName, servicePath, err)
	}

	settings := map[string]string{}
	for k, v := range service.Settings {
		settings[k] = v
	}

	if settings["password"] == "" {
		if pw, ok := lookupPassfile(settings); ok {
			settings["password"] = pw
		}
	}

	return buildConnString(settings), nil
}

func serviceFilePath() (string, error) {
	if p := os.Getenv("PGSERVICEFILE"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".pg_service.conf"), nil
}

func passFilePath() (string, error) {
	if p := os.Getenv("PGPASSFILE"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".pgpass"), nil
}

func lookupPassfile(settings map[string]string) (string, bool) {
	path, err := passFilePath()
	if err != nil {
		return "", false
	}
	pf, err := pgpassfile.ReadPassfile(path)
	if err != nil {
		return "", false
	}

	host := settings["host"]
	port := settings["port"]
	if port == "" {
		port = "5432"
	}
	dbname := settings["dbname"]
	user := settings["user"]

	pw := pf.FindPassword(host, port, dbname, user)
	if pw == "" {
		return "", false
	}
	return pw, true
}

// buildConnString produces a space-separated keyword=value connection
// string in the order pgx's own service-file resolution uses, quoting any
// value containing whitespace or a single quote.
func buildConnString(settings map[string]string) string {
	order := []string{"host", "port", "dbname", "user", "password", "sslmode", "application_name"}

	var parts []string
	for _, key := range order {
		v, ok := settings[key]
		if !ok || v == "" {
			continue
		}
		parts = append(parts, key+"="+quoteConnValue(v))
	}
	return strings.Join(parts, " ")
}

func quoteConnValue(v string) string {
	if !strings.ContainsAny(v, " '\\") {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

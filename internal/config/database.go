package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// tlsConfigName is the name used to register custom TLS configs with the MySQL driver.
const tlsConfigName = "bulkmerge-custom"

var defaultPorts = map[string]int{
	"mysql":     3306,
	"postgres":  5432,
	"sqlserver": 1433,
}

// DriverName returns the database/sql driver name registered for Driver.
func (d *DatabaseConfig) DriverName() string {
	switch strings.ToLower(d.Driver) {
	case "postgres", "postgresql":
		return "postgres"
	case "sqlserver", "mssql":
		return "sqlserver"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return "mysql"
	}
}

func (d *DatabaseConfig) port() int {
	if d.Port != 0 {
		return d.Port
	}
	return defaultPorts[d.DriverName()]
}

func (d *DatabaseConfig) addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.port()))
}

// ConnectionString returns the DSN for DriverName. An explicit DSN is used as
// given; MySQL DSNs get parseTime added when missing.
func (d *DatabaseConfig) ConnectionString() (string, error) {
	switch d.DriverName() {
	case "mysql":
		return d.mysqlDSN()
	case "postgres":
		if d.DSN != "" {
			return d.DSN, nil
		}
		return d.postgresDSN(), nil
	case "sqlserver":
		if d.DSN != "" {
			return d.DSN, nil
		}
		return d.sqlServerDSN(), nil
	default:
		if d.DSN != "" {
			return d.DSN, nil
		}
		return d.Database, nil
	}
}

func (d *DatabaseConfig) mysqlDSN() (string, error) {
	var cfg *mysql.Config
	if d.DSN != "" {
		parsed, err := mysql.ParseDSN(d.DSN)
		if err != nil {
			return "", fmt.Errorf("invalid MySQL DSN: %w", err)
		}
		cfg = parsed
	} else {
		cfg = mysql.NewConfig()
		cfg.User = d.User
		cfg.Passwd = d.Password
		cfg.Net = "tcp"
		cfg.Addr = d.addr()
		cfg.DBName = d.Database
	}
	cfg.ParseTime = true
	if cfg.TLSConfig == "" {
		cfg.TLSConfig = d.mysqlTLSParam()
	}
	return cfg.FormatDSN(), nil
}

func (d *DatabaseConfig) mysqlTLSParam() string {
	switch d.TLS.Mode {
	case "skip-verify":
		return "skip-verify"
	case "verify-ca", "verify-full":
		return tlsConfigName
	default:
		return ""
	}
}

func (d *DatabaseConfig) postgresDSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   d.addr(),
		Path:   "/" + d.Database,
	}
	if d.User != "" {
		u.User = url.UserPassword(d.User, d.Password)
	}
	q := url.Values{}
	switch d.TLS.Mode {
	case "skip-verify":
		q.Set("sslmode", "require")
	case "verify-ca":
		q.Set("sslmode", "verify-ca")
	case "verify-full":
		q.Set("sslmode", "verify-full")
	default:
		q.Set("sslmode", "disable")
	}
	if d.TLS.CAFile != "" {
		q.Set("sslrootcert", d.TLS.CAFile)
	}
	if d.TLS.CertFile != "" {
		q.Set("sslcert", d.TLS.CertFile)
		q.Set("sslkey", d.TLS.KeyFile)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (d *DatabaseConfig) sqlServerDSN() string {
	u := url.URL{
		Scheme: "sqlserver",
		Host:   d.addr(),
	}
	if d.User != "" {
		u.User = url.UserPassword(d.User, d.Password)
	}
	q := url.Values{}
	if d.Database != "" {
		q.Set("database", d.Database)
	}
	switch d.TLS.Mode {
	case "skip-verify":
		q.Set("encrypt", "true")
		q.Set("TrustServerCertificate", "true")
	case "verify-ca", "verify-full":
		q.Set("encrypt", "true")
		if d.TLS.CAFile != "" {
			q.Set("certificate", d.TLS.CAFile)
		}
		if d.TLS.ServerName != "" {
			q.Set("hostNameInCertificate", d.TLS.ServerName)
		}
	default:
		q.Set("encrypt", "disable")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// RegisterTLS registers the custom TLS configuration with the MySQL driver
// for verify-ca and verify-full. Other drivers take TLS settings from the DSN.
func (d *DatabaseConfig) RegisterTLS() error {
	if d.DriverName() != "mysql" || d.mysqlTLSParam() != tlsConfigName {
		return nil
	}
	tlsConfig, err := d.buildTLSConfig()
	if err != nil {
		return err
	}
	return mysql.RegisterTLSConfig(tlsConfigName, tlsConfig)
}

func (d *DatabaseConfig) buildTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if d.TLS.CAFile != "" {
		caCert, err := os.ReadFile(d.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read database CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse database CA file %q", d.TLS.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	if d.TLS.CertFile != "" || d.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(d.TLS.CertFile, d.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load database client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if d.TLS.Mode == "verify-full" {
		tlsConfig.ServerName = d.TLS.ServerName
		if tlsConfig.ServerName == "" {
			tlsConfig.ServerName = d.Host
		}
		return tlsConfig, nil
	}

	// verify-ca: check the chain against RootCAs but not the host name.
	tlsConfig.InsecureSkipVerify = true
	roots := tlsConfig.RootCAs
	tlsConfig.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("server presented no certificate")
		}
		certs := make([]*x509.Certificate, len(rawCerts))
		for i, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return err
			}
			certs[i] = cert
		}
		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(x509.VerifyOptions{Roots: roots, Intermediates: intermediates})
		return err
	}
	return tlsConfig, nil
}

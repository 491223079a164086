package model

import (
	"net"
	"strconv"
)

// DefaultFolder is watched when an account lists no folders.
const DefaultFolder = "INBOX"

// AccountConfig identifies one mailbox account to synchronize.
type AccountConfig struct {
	// ID is the stable account identifier used in cursors and record ids.
	ID string `mapstructure:"id" yaml:"id"`

	// Host is the IMAP server host name.
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the IMAP server port (usually 993 for TLS, 143 otherwise).
	Port int `mapstructure:"port" yaml:"port"`

	// TLS selects implicit TLS. When false the connection is upgraded with
	// STARTTLS unless Insecure is also set.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// Insecure allows a plain-text connection when TLS is false. Only
	// meant for local test servers.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// Username is the IMAP login name.
	Username string `mapstructure:"username" yaml:"username"`

	// Password is either the literal password or a "keyring:<key>"
	// reference resolved through the system keyring.
	Password string `mapstructure:"password" yaml:"password"`

	// Folders lists the mailbox names to watch.
	Folders []string `mapstructure:"folders" yaml:"folders"`
}

// Addr returns the host:port dial address.
func (a AccountConfig) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// WatchedFolders returns the configured folders, or the default inbox
// when none are set.
func (a AccountConfig) WatchedFolders() []string {
	if len(a.Folders) == 0 {
		return []string{DefaultFolder}
	}
	out := make([]string, len(a.Folders))
	copy(out, a.Folders)
	return out
}

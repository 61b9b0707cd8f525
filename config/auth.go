package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// ErrNoCredentials is returned by LoadAuthFile when the file holds no usable
// account.
var ErrNoCredentials = errors.New("config: no credentials in auth file")

// Credential is one line of a deluge auth file: user:password:level.
type Credential struct {
	Username string
	Password string
	Level    int
}

// DefaultAuthFile is where deluged keeps its accounts for the current user.
func DefaultAuthFile() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "deluge", "auth"), nil
}

// LoadAuthFile parses a deluge auth file. A leading ~ in path is expanded.
// Blank lines and lines starting with # are skipped. A line without a level
// gets level 10 (admin), as deluged does.
func LoadAuthFile(path string) ([]Credential, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var creds []Credential
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) < 2 || parts[0] == "" {
			return nil, fmt.Errorf("config: %s:%d: malformed auth line", path, lineNo)
		}
		c := Credential{Username: parts[0], Password: parts[1], Level: 10}
		if len(parts) > 2 && parts[2] != "" {
			if c.Level, err = strconv.Atoi(parts[2]); err != nil {
				return nil, fmt.Errorf("config: %s:%d: bad auth level %q", path, lineNo, parts[2])
			}
		}
		creds = append(creds, c)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return creds, nil
}

// ApplyAuthFile fills Username and Password from the auth file when they are
// not already set. With a Username set it looks that account up; otherwise
// it takes the first entry, which for a local daemon is the localclient
// account.
func (c *Config) ApplyAuthFile(path string) error {
	if c.Username != "" && c.Password != "" {
		return nil
	}
	creds, err := LoadAuthFile(path)
	if err != nil {
		return err
	}
	for _, cred := range creds {
		if c.Username == "" || cred.Username == c.Username {
			c.Username = cred.Username
			c.Password = cred.Password
			return nil
		}
	}
	return ErrNoCredentials
}

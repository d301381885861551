package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
)

// CredentialStore is durable key to bytes storage grouped by namespace.  It
// must survive reset and deep sleep.  Set only stages a value; Commit makes
// staged values durable.
type CredentialStore interface {
	Get(namespace, key string) ([]byte, error)
	Set(namespace, key string, value []byte) error
	Commit() error
}

// Namespaces and keys used by the controller.
const (
	nsWifi   = "wifi"
	nsSyno   = "syno"
	nsSystem = "system"

	keySSID        = "ssid"
	keyPassword    = "pwd"
	keyURL         = "url"
	keyWifiSetup   = "wifisetup"
	keyResetCause  = "resetcause"
	keyWakeCause   = "wakecause"
	keyProvFailure = "provfails"
	keyBootID      = "bootid"
)

// FileStore keeps every namespace in a single JSON document.  Writes go to a
// temporary file that is renamed over the original, so a power cut leaves
// either the old or the new document on disk.
type FileStore struct {
	mu   sync.Mutex
	path string
	data map[string]map[string][]byte
}

// OpenFileStore loads the document at path.  A missing file is an empty
// store; it is created on the first Commit.
func OpenFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, data: make(map[string]map[string][]byte)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, fmt.Errorf("unable to read store: %w", err)
	}
	if len(raw) == 0 {
		return fs, nil
	}
	if err := json.Unmarshal(raw, &fs.data); err != nil {
		return nil, fmt.Errorf("invalid store %s: %w", path, err)
	}
	return fs, nil
}

// Get returns a copy of the value, or ErrNotFound.
func (fs *FileStore) Get(namespace, key string) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	v, ok := fs.data[namespace][key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", namespace, key, ErrNotFound)
	}
	return append([]byte(nil), v...), nil
}

// Set stages a value.
func (fs *FileStore) Set(namespace, key string, value []byte) error {
	if namespace == "" || key == "" {
		return errors.New("namespace and key must not be empty")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ns, ok := fs.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		fs.data[namespace] = ns
	}
	ns[key] = append([]byte(nil), value...)
	return nil
}

// Commit persists all staged values.
func (fs *FileStore) Commit() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	bytes, err := json.MarshalIndent(fs.data, "", "  ")
	if err != nil {
		return err
	}
	tmpPath := fs.path + ".tmp"
	if err := os.WriteFile(tmpPath, bytes, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, fs.path)
}

// getString reads a value as string.  A missing key yields "" and ErrNotFound.
func getString(s CredentialStore, namespace, key string) (string, error) {
	v, err := s.Get(namespace, key)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// putString stages and commits a single string value.
func putString(s CredentialStore, namespace, key, value string) error {
	if err := s.Set(namespace, key, []byte(value)); err != nil {
		return err
	}
	return s.Commit()
}

// LoadWifi returns the stored credentials or ErrStorageMiss.
func LoadWifi(s CredentialStore) (WifiCredentials, error) {
	ssid, err := getString(s, nsWifi, keySSID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return WifiCredentials{}, ErrStorageMiss
		}
		return WifiCredentials{}, err
	}
	if ssid == "" {
		return WifiCredentials{}, ErrStorageMiss
	}
	pwd, err := getString(s, nsWifi, keyPassword)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return WifiCredentials{}, err
	}
	return WifiCredentials{SSID: ssid, Password: pwd}, nil
}

// StoreWifi writes both credential fields in one commit.
func StoreWifi(s CredentialStore, c WifiCredentials) error {
	if err := s.Set(nsWifi, keySSID, []byte(c.SSID)); err != nil {
		return err
	}
	if err := s.Set(nsWifi, keyPassword, []byte(c.Password)); err != nil {
		return err
	}
	return s.Commit()
}

// LoadURL returns the remote endpoint URL.
func LoadURL(s CredentialStore) (string, error) {
	return getString(s, nsSyno, keyURL)
}

// StoreURL persists the remote endpoint URL.
func StoreURL(s CredentialStore, url string) error {
	return putString(s, nsSyno, keyURL, url)
}

// loadCount reads a non-negative counter; missing or garbage reads as zero.
func loadCount(s CredentialStore, namespace, key string) int {
	v, err := getString(s, namespace, key)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func storeCount(s CredentialStore, namespace, key string, n int) error {
	return putString(s, namespace, key, strconv.Itoa(n))
}

// SeedStore writes the initial credentials from the configuration for every
// field the store does not have yet.
func SeedStore(s CredentialStore, seed *SeedConfig) (bool, error) {
	if seed == nil {
		return false, nil
	}
	changed := false
	if seed.SSID != "" {
		if _, err := LoadWifi(s); errors.Is(err, ErrStorageMiss) {
			if err := s.Set(nsWifi, keySSID, []byte(seed.SSID)); err != nil {
				return false, err
			}
			if err := s.Set(nsWifi, keyPassword, []byte(seed.Password)); err != nil {
				return false, err
			}
			changed = true
		}
	}
	if seed.URL != "" {
		if _, err := LoadURL(s); errors.Is(err, ErrNotFound) {
			if err := s.Set(nsSyno, keyURL, []byte(seed.URL)); err != nil {
				return false, err
			}
			changed = true
		}
	}
	if !changed {
		return false, nil
	}
	return true, s.Commit()
}

// Package certwatch keeps a TLS certificate loaded from disk current. It
// reloads the key pair when either file changes, so servers pick up renewed
// certificates without restarting.
package certwatch

import (
	"bytes"
	"crypto/sha256"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval is used when Watcher.PollInterval is zero. Polling
// backs up fsnotify on file systems that do not deliver events.
const DefaultPollInterval = 30 * time.Second

// Watcher holds the current certificate for a cert/key file pair.
type Watcher struct {
	CertFile     string
	KeyFile      string
	Alias        string
	PollInterval time.Duration
	// OnChange runs after a successful reload.
	OnChange func(*tls.Certificate)
	// Logf receives reload failures. Nil discards them.
	Logf func(format string, args ...interface{})

	mu     sync.RWMutex
	cert   *tls.Certificate
	digest []byte

	notify *fsnotify.Watcher
	stop   chan struct{}
	done   chan struct{}
}

// New loads the key pair and returns a watcher that is not yet running.
func New(certFile, keyFile string) (*Watcher, error) {
	w := &Watcher{CertFile: certFile, KeyFile: keyFile}
	if _, err := w.Refresh(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Watcher) logf(format string, args ...interface{}) {
	if w.Logf != nil {
		w.Logf(format, args...)
	}
}

// Refresh reloads the files if their contents changed and reports whether
// the certificate was replaced.
func (w *Watcher) Refresh() (bool, error) {
	certPEM, err := os.ReadFile(w.CertFile)
	if err != nil {
		return false, err
	}
	keyPEM, err := os.ReadFile(w.KeyFile)
	if err != nil {
		return false, err
	}
	h := sha256.New()
	h.Write(certPEM)
	h.Write(keyPEM)
	digest := h.Sum(nil)

	w.mu.RLock()
	same := bytes.Equal(digest, w.digest)
	w.mu.RUnlock()
	if same {
		return false, nil
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return false, fmt.Errorf("certwatch: %s: %w", w.CertFile, err)
	}
	w.mu.Lock()
	w.cert = &cert
	w.digest = digest
	w.mu.Unlock()

	if w.OnChange != nil {
		w.OnChange(&cert)
	}
	return true, nil
}

// Certificate returns the current certificate.
func (w *Watcher) Certificate() *tls.Certificate {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cert
}

// GetCertificate can be used as tls.Config.GetCertificate.
func (w *Watcher) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	if c := w.Certificate(); c != nil {
		return c, nil
	}
	return nil, errors.New("certwatch: no certificate loaded")
}

// CertificateChain returns the certificate when alias is the watcher's.
func (w *Watcher) CertificateChain(alias string) (*tls.Certificate, bool) {
	if alias != w.Alias {
		return nil, false
	}
	c := w.Certificate()
	return c, c != nil
}

func (w *Watcher) ChooseAlias(*tls.ClientHelloInfo) (string, bool) {
	return w.Alias, w.Certificate() != nil
}

// Start begins watching. The directories holding the files are watched
// rather than the files, so replacements by rename are seen too.
func (w *Watcher) Start() error {
	if w.stop != nil {
		return errors.New("certwatch: already started")
	}
	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dirs := map[string]bool{
		filepath.Dir(w.CertFile): true,
		filepath.Dir(w.KeyFile):  true,
	}
	for dir := range dirs {
		if err := notify.Add(dir); err != nil {
			notify.Close()
			return err
		}
	}
	w.notify = notify
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop()
	return nil
}

func (w *Watcher) interesting(name string) bool {
	name = filepath.Clean(name)
	return name == filepath.Clean(w.CertFile) || name == filepath.Clean(w.KeyFile)
}

func (w *Watcher) loop() {
	defer close(w.done)
	interval := w.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.notify.Events:
			if !ok {
				return
			}
			if !w.interesting(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.notify.Errors:
			if !ok {
				return
			}
			w.logf("certwatch: %v", err)
		case <-ticker.C:
			w.reload()
		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) reload() {
	// A writer may have replaced only one of the two files so far; the
	// next event or tick picks up the rest.
	if _, err := w.Refresh(); err != nil {
		w.logf("certwatch: reload: %v", err)
	}
}

// Close stops watching. It is safe to call on a watcher never started.
func (w *Watcher) Close() error {
	if w.stop == nil {
		return nil
	}
	close(w.stop)
	err := w.notify.Close()
	<-w.done
	w.stop = nil
	return err
}

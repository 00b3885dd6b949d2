package credential

import (
	"context"
	"os"
	"os/user"
	"path/filepath"
	"regexp"

	"github.com/DollhouseMCP/mcp-server-sub009/internal/cryptoutil"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/events"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/log"
	"github.com/DollhouseMCP/mcp-server-sub009/internal/xerrors"
)

const (
	credFileExt = ".cred"
	dirMode     = 0o700
	fileMode    = 0o600

	// pepper is a fixed application component of the key material. It is
	// not a secret; it separates this store's records from any other
	// PBKDF2 user on the same machine.
	pepper = "DollhouseMCP-credential-store-v1"
)

var slotShape = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)

// Store persists one encrypted credential per named slot under a
// 0700 directory, one 0600 file per slot. Keys are derived per record
// from machine-and-user material plus the record's salt; nothing
// key-like is ever written to disk.
type Store struct {
	dir        string
	material   []byte
	iterations int
	logger     log.Logger
	sink       events.Sink
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger.
func WithStoreLogger(l log.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStoreEvents sets the security event sink.
func WithStoreEvents(sink events.Sink) StoreOption {
	return func(s *Store) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithIterations overrides PBKDF2 stretching. Values below the floor are
// raised to it.
func WithIterations(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.iterations = n
		}
	}
}

// WithKeyMaterial replaces the machine-and-user key material, for tests.
func WithKeyMaterial(material []byte) StoreOption {
	return func(s *Store) {
		if len(material) > 0 {
			s.material = material
		}
	}
}

// NewStore builds a Store rooted at dir. The directory is created on
// first save, not here.
func NewStore(dir string, opts ...StoreOption) *Store {
	s := &Store{
		dir:        dir,
		material:   hostMaterial(),
		iterations: cryptoutil.DefaultIterations,
		logger:     log.Nop(),
		sink:       events.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// hostMaterial is the deterministic passphrase base: hostname, user,
// home, pepper. Re-derivable on the same machine for the same user,
// never stored.
func hostMaterial() []byte {
	host, _ := os.Hostname()
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	home, _ := os.UserHomeDir()

	m := make([]byte, 0, len(host)+len(username)+len(home)+len(pepper)+3)
	m = append(m, host...)
	m = append(m, 0)
	m = append(m, username...)
	m = append(m, 0)
	m = append(m, home...)
	m = append(m, 0)
	m = append(m, pepper...)
	return m
}

// Save encrypts token into the slot's file, replacing any previous
// record.
func (s *Store) Save(ctx context.Context, slot, token string) error {
	if !slotShape.MatchString(slot) {
		return xerrors.Newf("invalid credential slot %q", slot)
	}
	if err := os.MkdirAll(s.dir, dirMode); err != nil {
		return xerrors.Wrap(err, "create credential dir")
	}
	record, err := cryptoutil.SealRecord(s.material, []byte(token), s.iterations)
	if err != nil {
		return xerrors.Wrap(err, "seal credential")
	}
	path := s.slotPath(slot)
	if err := os.WriteFile(path, record, fileMode); err != nil {
		return xerrors.Wrap(err, "write credential file")
	}
	// WriteFile only applies the mode on create; reassert on overwrite
	if err := os.Chmod(path, fileMode); err != nil {
		return xerrors.Wrap(err, "restrict credential file")
	}
	s.logger.Info(ctx, "credential stored", "slot", slot)
	return nil
}

// Load decrypts the slot's record. A missing file and an unopenable
// record are indistinguishable to the caller: both are ErrNoCredential.
// Tampering additionally emits a security event.
func (s *Store) Load(ctx context.Context, slot string) (string, error) {
	if !slotShape.MatchString(slot) {
		return "", xerrors.Newf("invalid credential slot %q", slot)
	}
	record, err := os.ReadFile(s.slotPath(slot))
	if err != nil {
		if os.IsNotExist(err) {
			return "", xerrors.Wrap(ErrNoCredential, "store")
		}
		return "", xerrors.Wrap(err, "read credential file")
	}

	token, err := cryptoutil.OpenRecord(s.material, record, s.iterations)
	if err != nil {
		s.logger.Warn(ctx, "stored credential unopenable, treating as absent", "slot", slot)
		s.sink.Emit(ctx, events.New(events.TypeCredentialStoreTampered, events.SeverityHigh, "credential",
			"stored credential record failed authentication",
			"slot", slot,
		))
		return "", xerrors.Wrap(ErrNoCredential, "store")
	}
	return string(token), nil
}

// Delete removes the slot's record. Deleting an absent slot is not an
// error.
func (s *Store) Delete(ctx context.Context, slot string) error {
	if !slotShape.MatchString(slot) {
		return xerrors.Newf("invalid credential slot %q", slot)
	}
	if err := os.Remove(s.slotPath(slot)); err != nil && !os.IsNotExist(err) {
		return xerrors.Wrap(err, "remove credential file")
	}
	s.logger.Info(ctx, "credential revoked", "slot", slot)
	return nil
}

func (s *Store) slotPath(slot string) string {
	return filepath.Join(s.dir, slot+credFileExt)
}

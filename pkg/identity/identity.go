// Package identity tracks what a peer has announced about itself.
package identity

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/kclink/kclink-go/pkg/packet"
	"github.com/kclink/kclink-go/pkg/settings"
)

// Identity errors.
var (
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrPersist         = errors.New("failed to persist identity")
)

// Type is the kind of device.
type Type string

// Device types.
const (
	TypeDesktop Type = "desktop"
	TypeLaptop  Type = "laptop"
	TypePhone   Type = "phone"
	TypeTablet  Type = "tablet"
	TypeTV      Type = "tv"
	TypeUnknown Type = "unknown"
)

// ParseType converts a wire device type, mapping anything unrecognised to
// TypeUnknown.
func ParseType(s string) Type {
	switch t := Type(s); t {
	case TypeDesktop, TypeLaptop, TypePhone, TypeTablet, TypeTV:
		return t
	default:
		return TypeUnknown
	}
}

// Persisted keys.
const (
	KeyID                   = "id"
	KeyName                 = "name"
	KeyType                 = "type"
	KeyHost                 = "tcp-host"
	KeyPort                 = "tcp-port"
	KeyIncomingCapabilities = "incoming-capabilities"
	KeyOutgoingCapabilities = "outgoing-capabilities"
)

// Identity is the last announced identity of a peer.
type Identity struct {
	ID   string
	Name string
	Type Type
	Host string
	Port int

	// Capabilities are sorted and free of duplicates.
	IncomingCapabilities []string
	OutgoingCapabilities []string
}

// Unknown returns the placeholder identity used before a peer has announced
// itself.
func Unknown(id string) Identity {
	return Identity{ID: id, Name: id, Type: TypeUnknown}
}

// Clone returns a deep copy.
func (id Identity) Clone() Identity {
	id.IncomingCapabilities = slices.Clone(id.IncomingCapabilities)
	id.OutgoingCapabilities = slices.Clone(id.OutgoingCapabilities)
	return id
}

// Body converts the identity back into its wire form.
func (id Identity) Body() packet.IdentityBody {
	return packet.IdentityBody{
		DeviceID:             id.ID,
		DeviceName:           id.Name,
		DeviceType:           string(id.Type),
		TCPHost:              id.Host,
		TCPPort:              id.Port,
		IncomingCapabilities: slices.Clone(id.IncomingCapabilities),
		OutgoingCapabilities: slices.Clone(id.OutgoingCapabilities),
	}
}

// FromPacket decodes and validates an identity packet.
func FromPacket(p *packet.Packet) (packet.IdentityBody, error) {
	body, err := packet.DecodeIdentity(p)
	if err != nil {
		return body, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return body, validate(body)
}

func validate(body packet.IdentityBody) error {
	switch {
	case body.DeviceID == "":
		return fmt.Errorf("%w: missing deviceId", ErrInvalidIdentity)
	case body.DeviceName == "":
		return fmt.Errorf("%w: missing deviceName", ErrInvalidIdentity)
	case body.DeviceType == "":
		return fmt.Errorf("%w: missing deviceType", ErrInvalidIdentity)
	}
	return nil
}

func normalize(caps []string) []string {
	out := slices.Clone(caps)
	slices.Sort(out)
	return slices.Compact(out)
}

// Store caches a peer's identity and mirrors it into settings.
type Store struct {
	id       string
	settings *settings.Settings

	mu     sync.RWMutex
	cached *Identity
	// unsaved is set while the cached identity failed to persist; the
	// stored record is then older than the cache.
	unsaved bool
}

// NewStore creates a store for the device id. s is expected to be scoped to
// the device's namespace.
func NewStore(id string, s *settings.Settings) *Store {
	return &Store{id: id, settings: s}
}

// Update validates body and, if valid, replaces the cached identity and
// persists it. An invalid body leaves the previous identity untouched.
// A persistence failure is reported as ErrPersist after the cache is updated.
func (s *Store) Update(body packet.IdentityBody) (Identity, error) {
	if err := validate(body); err != nil {
		return s.Get(), err
	}
	if s.id != "" && body.DeviceID != s.id {
		return s.Get(), fmt.Errorf("%w: device ID %q does not match %q", ErrInvalidIdentity, body.DeviceID, s.id)
	}

	next := Identity{
		ID:                   body.DeviceID,
		Name:                 body.DeviceName,
		Type:                 ParseType(body.DeviceType),
		Host:                 body.TCPHost,
		Port:                 body.TCPPort,
		IncomingCapabilities: normalize(body.IncomingCapabilities),
		OutgoingCapabilities: normalize(body.OutgoingCapabilities),
	}

	s.mu.Lock()
	s.cached = &next
	err := s.persist(next)
	s.unsaved = err != nil
	s.mu.Unlock()

	if err != nil {
		return next.Clone(), fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return next.Clone(), nil
}

func (s *Store) persist(id Identity) error {
	writes := []error{
		s.settings.SetString(KeyID, id.ID),
		s.settings.SetString(KeyName, id.Name),
		s.settings.SetString(KeyType, string(id.Type)),
		s.settings.SetString(KeyHost, id.Host),
		s.settings.SetInt(KeyPort, id.Port),
		s.settings.SetStrings(KeyIncomingCapabilities, id.IncomingCapabilities),
		s.settings.SetStrings(KeyOutgoingCapabilities, id.OutgoingCapabilities),
	}
	return errors.Join(writes...)
}

// Get returns the cached identity, or Unknown when none is known.
func (s *Store) Get() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cached == nil {
		return Unknown(s.id)
	}
	return s.cached.Clone()
}

// Known reports whether an identity has been received or restored.
func (s *Store) Known() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cached != nil
}

// Refresh re-reads the persisted identity into the cache. When nothing is
// persisted the cache is left as it is. If the last Update failed to
// persist, the cache wins: the write is retried instead of reading back the
// stale record.
func (s *Store) Refresh() (Identity, error) {
	s.mu.Lock()
	if s.unsaved && s.cached != nil {
		cached := *s.cached
		err := s.persist(cached)
		s.unsaved = err != nil
		s.mu.Unlock()
		if err != nil {
			return cached.Clone(), fmt.Errorf("%w: %v", ErrPersist, err)
		}
		return cached.Clone(), nil
	}
	s.mu.Unlock()

	id, ok, err := s.load()
	if err != nil {
		return s.Get(), err
	}
	if !ok {
		return s.Get(), nil
	}

	s.mu.Lock()
	s.cached = &id
	s.mu.Unlock()
	return id.Clone(), nil
}

func (s *Store) load() (Identity, bool, error) {
	storedID, err := s.settings.String(KeyID)
	if err != nil || storedID == "" {
		return Identity{}, false, err
	}

	id := Identity{ID: storedID}
	var errs []error
	var typ string

	id.Name, err = s.settings.String(KeyName)
	errs = append(errs, err)
	typ, err = s.settings.String(KeyType)
	errs = append(errs, err)
	id.Host, err = s.settings.String(KeyHost)
	errs = append(errs, err)
	id.Port, err = s.settings.Int(KeyPort)
	errs = append(errs, err)
	id.IncomingCapabilities, err = s.settings.Strings(KeyIncomingCapabilities)
	errs = append(errs, err)
	id.OutgoingCapabilities, err = s.settings.Strings(KeyOutgoingCapabilities)
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return Identity{}, false, err
	}

	id.Type = ParseType(typ)
	if id.Name == "" {
		id.Name = id.ID
	}
	id.IncomingCapabilities = normalize(id.IncomingCapabilities)
	id.OutgoingCapabilities = normalize(id.OutgoingCapabilities)
	return id, true, nil
}

package identity

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kclink/kclink-go/pkg/packet"
	"github.com/kclink/kclink-go/pkg/settings"
)

func newStore(t *testing.T, id string) (*Store, *settings.Settings) {
	t.Helper()
	s := settings.New(settings.NewMemoryStore()).Sub(settings.DeviceNamespace(id))
	return NewStore(id, s), s
}

func validBody() packet.IdentityBody {
	return packet.IdentityBody{
		DeviceID:             "phone1",
		DeviceName:           "Pixel",
		DeviceType:           "phone",
		TCPHost:              "10.0.0.2",
		TCPPort:              1716,
		IncomingCapabilities: []string{"kdeconnect.ping", "kdeconnect.battery", "kdeconnect.ping"},
		OutgoingCapabilities: []string{"kdeconnect.ping"},
	}
}

func TestGetBeforeUpdate(t *testing.T) {
	store, _ := newStore(t, "phone1")

	got := store.Get()
	assert.Equal(t, Unknown("phone1"), got)
	assert.Equal(t, "phone1", got.Name)
	assert.False(t, store.Known())
}

func TestUpdate(t *testing.T) {
	store, s := newStore(t, "phone1")

	got, err := store.Update(validBody())
	require.NoError(t, err)

	assert.Equal(t, TypePhone, got.Type)
	assert.Equal(t, []string{"kdeconnect.battery", "kdeconnect.ping"}, got.IncomingCapabilities)
	assert.Equal(t, got, store.Get())

	name, err := s.String(KeyName)
	require.NoError(t, err)
	assert.Equal(t, "Pixel", name)

	port, err := s.Int(KeyPort)
	require.NoError(t, err)
	assert.Equal(t, 1716, port)
}

func TestUpdateRejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(b *packet.IdentityBody)
	}{
		{"missing id", func(b *packet.IdentityBody) { b.DeviceID = "" }},
		{"missing name", func(b *packet.IdentityBody) { b.DeviceName = "" }},
		{"missing type", func(b *packet.IdentityBody) { b.DeviceType = "" }},
		{"other device", func(b *packet.IdentityBody) { b.DeviceID = "someone-else" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newStore(t, "phone1")
			_, err := store.Update(validBody())
			require.NoError(t, err)

			body := validBody()
			body.DeviceName = "Changed"
			tt.mutate(&body)

			_, err = store.Update(body)
			assert.ErrorIs(t, err, ErrInvalidIdentity)
			assert.Equal(t, "Pixel", store.Get().Name, "previous identity must be kept")
		})
	}
}

func TestUnknownTypeCoerced(t *testing.T) {
	store, _ := newStore(t, "phone1")
	body := validBody()
	body.DeviceType = "toaster"

	got, err := store.Update(body)
	require.NoError(t, err)
	assert.Equal(t, TypeUnknown, got.Type)
}

func TestRefreshRestoresPersisted(t *testing.T) {
	store, s := newStore(t, "phone1")
	_, err := store.Update(validBody())
	require.NoError(t, err)

	// A second store over the same settings starts empty until refreshed.
	restored := NewStore("phone1", s)
	assert.False(t, restored.Known())

	got, err := restored.Refresh()
	require.NoError(t, err)
	assert.Equal(t, store.Get(), got)
	assert.True(t, restored.Known())
}

func TestRefreshNothingPersisted(t *testing.T) {
	store, _ := newStore(t, "phone1")

	got, err := store.Refresh()
	require.NoError(t, err)
	assert.Equal(t, Unknown("phone1"), got)
}

func TestRefreshPicksUpExternalChanges(t *testing.T) {
	store, s := newStore(t, "phone1")
	_, err := store.Update(validBody())
	require.NoError(t, err)

	require.NoError(t, s.SetStrings(KeyOutgoingCapabilities, []string{"kdeconnect.share"}))

	got, err := store.Refresh()
	require.NoError(t, err)
	assert.Equal(t, []string{"kdeconnect.share"}, got.OutgoingCapabilities)
}

func TestFromPacket(t *testing.T) {
	body, err := FromPacket(packet.NewIdentity(validBody()))
	require.NoError(t, err)
	assert.Equal(t, "phone1", body.DeviceID)

	_, err = FromPacket(packet.NewPair(true))
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestCloneIsDeep(t *testing.T) {
	store, _ := newStore(t, "phone1")
	_, err := store.Update(validBody())
	require.NoError(t, err)

	got := store.Get()
	got.IncomingCapabilities[0] = "mutated"
	assert.NotEqual(t, "mutated", store.Get().IncomingCapabilities[0])
}

// flakyStore fails writes to one key while failing is set.
type flakyStore struct {
	*settings.MemoryStore
	key     string
	failing bool
}

func (f *flakyStore) Set(key, value string) error {
	if f.failing && strings.HasSuffix(key, f.key) {
		return errors.New("disk full")
	}
	return f.MemoryStore.Set(key, value)
}

func TestRefreshKeepsUnsavedUpdate(t *testing.T) {
	backend := &flakyStore{MemoryStore: settings.NewMemoryStore(), key: KeyIncomingCapabilities}
	s := settings.New(backend).Sub(settings.DeviceNamespace("phone1"))
	store := NewStore("phone1", s)

	_, err := store.Update(validBody())
	require.NoError(t, err)

	backend.failing = true
	narrowed := validBody()
	narrowed.IncomingCapabilities = []string{"kdeconnect.ping"}
	_, err = store.Update(narrowed)
	require.ErrorIs(t, err, ErrPersist)

	got, err := store.Refresh()
	assert.ErrorIs(t, err, ErrPersist)
	assert.Equal(t, []string{"kdeconnect.ping"}, got.IncomingCapabilities)
	assert.Equal(t, got, store.Get())

	// Once the backend recovers, Refresh writes the cached identity out.
	backend.failing = false
	got, err = store.Refresh()
	require.NoError(t, err)
	assert.Equal(t, []string{"kdeconnect.ping"}, got.IncomingCapabilities)

	persisted, err := s.Strings(KeyIncomingCapabilities)
	require.NoError(t, err)
	assert.Equal(t, []string{"kdeconnect.ping"}, persisted)
}

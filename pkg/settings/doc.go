// Package settings provides the key/value persistence used for per-device
// identity and trust records.
//
// A Store is a flat string-to-string map. Settings layers typed accessors and
// a key prefix on top of it so each device gets its own namespace:
//
//	s := settings.New(store).Sub(settings.DeviceNamespace(deviceID))
//	s.SetString("name", "Pixel")
//
// Three backends are provided: MemoryStore for tests, FileStore (a single JSON
// document) and SQLiteStore.
package settings

package storage

import (
	"testing"

	"devicelink/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func testTrust(deviceID, name string) models.PeerTrust {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(len(deviceID) + i)
	}
	return models.PeerTrust{
		UUID:         deviceID,
		PublicKey:    "base64-public-key-" + deviceID,
		SharedSecret: secret,
		Accepted:     true,
		DisplayName:  name,
		LastIP:       "192.168.1.20",
		LastPort:     23334,
		DeviceType:   "phone",
		BatteryHint:  models.BatteryUnknown,
	}
}

package configstore

import "testing"

func TestChangeConfigurationMirrorsHeartbeatKeys(t *testing.T) {
	s := New(nil)
	s.Add(KeyHeartbeatInterval, "60", false, true, false)
	s.Add(KeyHeartBeatInterval, "60", false, true, false)

	restarted := false
	s.RestartHeartbeat = func() { restarted = true }

	result := s.ChangeConfiguration("heartbeatinterval", "30")
	if result != ChangeAccepted {
		t.Fatalf("expected Accepted, got %s", result)
	}
	if !restarted {
		t.Fatalf("expected heartbeat restart to be triggered")
	}

	a, _ := s.Get(KeyHeartbeatInterval, false)
	b, _ := s.Get(KeyHeartBeatInterval, false)
	if a.Value != "30" || b.Value != "30" {
		t.Fatalf("expected both keys mirrored to 30, got %s / %s", a.Value, b.Value)
	}
}

func TestChangeConfigurationReadonlyRejected(t *testing.T) {
	s := New(nil)
	s.Add("NumberOfConnectors", "2", true, true, false)

	if got := s.ChangeConfiguration("NumberOfConnectors", "3"); got != ChangeRejected {
		t.Fatalf("expected Rejected, got %s", got)
	}
}

func TestChangeConfigurationUnknownKey(t *testing.T) {
	s := New(nil)
	if got := s.ChangeConfiguration("DoesNotExist", "x"); got != ChangeNotSupported {
		t.Fatalf("expected NotSupported, got %s", got)
	}
}

func TestChangeConfigurationRebootRequired(t *testing.T) {
	s := New(nil)
	s.Add("ResetRetries", "3", false, true, true)
	if got := s.ChangeConfiguration("ResetRetries", "5"); got != ChangeRebootRequired {
		t.Fatalf("expected RebootRequired, got %s", got)
	}
}

func TestGetConfigurationEmptyReturnsAllVisible(t *testing.T) {
	s := New(nil)
	s.Add("A", "1", false, true, false)
	s.Add("B", "2", false, false, false)

	keys, unknown := s.GetConfiguration(nil)
	if len(keys) != 1 || keys[0].Key != "A" {
		t.Fatalf("expected only visible key A, got %+v", keys)
	}
	if len(unknown) != 0 {
		t.Fatalf("expected no unknown keys, got %v", unknown)
	}
}

func TestGetConfigurationSpecificKeysAccumulatesUnknown(t *testing.T) {
	s := New(nil)
	s.Add("A", "1", false, true, false)

	keys, unknown := s.GetConfiguration([]string{"A", "Z"})
	if len(keys) != 1 || keys[0].Key != "A" {
		t.Fatalf("expected A in configurationKey, got %+v", keys)
	}
	if len(unknown) != 1 || unknown[0] != "Z" {
		t.Fatalf("expected Z in unknownKey, got %v", unknown)
	}
}

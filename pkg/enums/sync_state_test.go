package enums

import "testing"

func TestSyncStateParseAndPending(t *testing.T) {
	for _, state := range validSyncStates {
		parsed, err := ParseSyncState(string(state))
		if err != nil || parsed != state {
			t.Fatalf("round trip failed for %q: %v", state, err)
		}
	}
	if _, err := ParseSyncState("dirty"); err == nil {
		t.Fatal("expected unknown state to fail")
	}
	if SyncStateClean.IsPending() || SyncStateConflict.IsPending() {
		t.Fatal("clean and conflict are not pending states")
	}
	if !SyncStatePendingDelete.IsPending() {
		t.Fatal("pending delete should report pending")
	}
}

func TestOpKindPendingState(t *testing.T) {
	cases := map[OpKind]SyncState{
		OpCreate: SyncStatePendingCreate,
		OpUpdate: SyncStatePendingUpdate,
		OpDelete: SyncStatePendingDelete,
	}
	for op, want := range cases {
		if got := op.PendingState(); got != want {
			t.Fatalf("%s: expected %s got %s", op, want, got)
		}
	}
}

func TestUploadStateIsActive(t *testing.T) {
	active := map[UploadState]bool{
		UploadStateQueued:    true,
		UploadStateFailed:    true,
		UploadStateUploading: false,
		UploadStateUploaded:  false,
		UploadStateAbandoned: false,
	}
	for state, want := range active {
		if state.IsActive() != want {
			t.Fatalf("%s: expected active=%v", state, want)
		}
	}
}

func TestParseBackendFileType(t *testing.T) {
	if ft, err := ParseBackendFileType("signature"); err != nil || ft != FileTypeSignature {
		t.Fatalf("unexpected parse result %q %v", ft, err)
	}
	if _, err := ParseBackendFileType("video"); err == nil {
		t.Fatal("expected video to be rejected")
	}
}

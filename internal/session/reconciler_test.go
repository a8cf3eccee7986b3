package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	syncerrors "github.com/nthall/editsync/internal/errors"
	"github.com/nthall/editsync/internal/workspace"
)

func testReconciler(t *testing.T, locals []*workspace.Folder, confirm ConfirmFunc) (*Reconciler, *MockStore, *MockIdentityProvider) {
	t.Helper()
	ctrl := gomock.NewController(t)
	store := NewMockStore(ctrl)
	provider := NewMockIdentityProvider(ctrl)
	return NewReconciler(store, provider, locals, confirm, quietLogger), store, provider
}

func acceptAll(ctx context.Context, conflicts []ConflictPreview) (bool, error) { return true, nil }

func declineAll(ctx context.Context, conflicts []ConflictPreview) (bool, error) { return false, nil }

// encodeSession builds a valid version-1 payload for tests.
func encodeSession(t *testing.T, folders ...Folder) []byte {
	t.Helper()
	s := &Session{Version: SupportedVersion, Folders: folders}
	payload, err := s.Encode()
	require.NoError(t, err)
	return payload
}

// --- Store ---

func TestStore_EmptyWorkspace(t *testing.T) {
	r, _, _ := testReconciler(t, nil, nil)
	_, err := r.Store(context.Background(), nil)
	assert.ErrorIs(t, err, syncerrors.ErrNoWorkspace)
}

func TestStore_NoEdits(t *testing.T) {
	local := testFolder(t, "proj", nil)
	r, _, _ := testReconciler(t, []*workspace.Folder{local}, nil)

	repo := &fakeRepo{root: local.Root}
	res, err := r.Store(context.Background(), []Repository{repo})
	require.NoError(t, err)
	assert.Equal(t, StoreNoEdits, res.Outcome)
	assert.Empty(t, res.Ref)
}

func TestStore_PersistsSession(t *testing.T) {
	local := testFolder(t, "proj", map[string]string{"a.txt": "hello"})
	r, store, provider := testReconciler(t, []*workspace.Folder{local}, nil)
	provider.EXPECT().Identify(gomock.Any(), local).Return("id-1", nil)

	var written []byte
	store.EXPECT().Write(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, payload []byte) (string, error) {
			written = payload
			return "ref-1", nil
		})

	repo := &fakeRepo{root: local.Root, groups: []ResourceGroup{
		{Name: "worktree", Paths: []string{abs(local, "a.txt")}},
	}}
	res, err := r.Store(context.Background(), []Repository{repo})
	require.NoError(t, err)

	assert.Equal(t, StoreStored, res.Outcome)
	assert.Equal(t, "ref-1", res.Ref)
	assert.Equal(t, 1, res.Folders)
	assert.Equal(t, 1, res.Changes)

	// The persisted payload is a valid session with the captured edit.
	sess, err := Decode(written)
	require.NoError(t, err)
	require.Len(t, sess.Folders, 1)
	require.Len(t, sess.Folders[0].WorkingChanges, 1)
	assert.Equal(t, ChangeAddition, sess.Folders[0].WorkingChanges[0].Type)
}

func TestStore_SizeLimitIsDistinguished(t *testing.T) {
	local := testFolder(t, "proj", map[string]string{"a.txt": "hello"})
	r, store, provider := testReconciler(t, []*workspace.Folder{local}, nil)
	provider.EXPECT().Identify(gomock.Any(), local).Return("", nil)
	store.EXPECT().Write(gomock.Any(), gomock.Any()).Return("", syncerrors.ErrPayloadTooLarge)

	repo := &fakeRepo{root: local.Root, groups: []ResourceGroup{
		{Name: "worktree", Paths: []string{abs(local, "a.txt")}},
	}}
	_, err := r.Store(context.Background(), []Repository{repo})
	assert.ErrorIs(t, err, syncerrors.ErrPayloadTooLarge)
}

// --- Resume preconditions and terminal outcomes ---

func TestResume_EmptyWorkspace(t *testing.T) {
	r, _, _ := testReconciler(t, nil, nil)
	_, err := r.Resume(context.Background(), "", nil, MatchOptions{})
	assert.ErrorIs(t, err, syncerrors.ErrNoWorkspace)
}

func TestResume_NothingToResume(t *testing.T) {
	local := testFolder(t, "proj", nil)
	r, store, _ := testReconciler(t, []*workspace.Folder{local}, nil)
	store.EXPECT().Read(gomock.Any(), "").Return(nil, "", syncerrors.ErrSessionNotFound)

	res, err := r.Resume(context.Background(), "", nil, MatchOptions{})
	require.NoError(t, err, "an absent session is informational, not an error")
	assert.Equal(t, ResumeNothingToResume, res.Outcome)
}

func TestResume_VersionRejected(t *testing.T) {
	local := testFolder(t, "proj", map[string]string{"keep.txt": "untouched"})
	r, store, _ := testReconciler(t, []*workspace.Folder{local}, nil)
	store.EXPECT().Read(gomock.Any(), "ref-9").Return([]byte(`{"version":99,"folders":[]}`), "ref-9", nil)

	res, err := r.Resume(context.Background(), "ref-9", nil, MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, ResumeVersionRejected, res.Outcome)
	assert.Zero(t, res.Applied)

	// Zero changes were applied; the snapshot was not deleted (no
	// Delete expectation on the mock).
	data, err := local.ReadFile("keep.txt")
	require.NoError(t, err)
	assert.Equal(t, "untouched", string(data))
}

func TestResume_NoMatchingFolder(t *testing.T) {
	local := testFolder(t, "proj", nil)
	r, store, _ := testReconciler(t, []*workspace.Folder{local}, nil)
	payload := encodeSession(t, Folder{
		Name:           "somewhere-else",
		WorkingChanges: []Change{NewAddition("a.txt", []byte("hello"))},
	})
	store.EXPECT().Read(gomock.Any(), "").Return(payload, "ref-1", nil)

	res, err := r.Resume(context.Background(), "", nil, MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, ResumeNoMatchingFolder, res.Outcome)
	assert.Zero(t, res.Applied)

	exists, err := local.Exists("a.txt")
	require.NoError(t, err)
	assert.False(t, exists, "a skipped session must apply zero changes")
}

// --- Resume apply paths ---

func TestResume_AppliesAdditionAndDeletesSnapshot(t *testing.T) {
	local := testFolder(t, "proj", nil)
	r, store, _ := testReconciler(t, []*workspace.Folder{local}, nil)
	payload := encodeSession(t, Folder{
		Name:           "proj",
		WorkingChanges: []Change{NewAddition("a.txt", []byte("hello"))},
	})
	gomock.InOrder(
		store.EXPECT().Read(gomock.Any(), "").Return(payload, "ref-1", nil),
		store.EXPECT().Delete(gomock.Any(), "ref-1").Return(nil),
	)

	res, err := r.Resume(context.Background(), "", nil, MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, ResumeApplied, res.Outcome)
	assert.Equal(t, 1, res.Applied)
	assert.Zero(t, res.Conflicts)

	data, err := local.ReadFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data), "base64 decode must be the exact inverse of encode")
}

func TestResume_AppliesDeletion(t *testing.T) {
	local := testFolder(t, "proj", map[string]string{"b.txt": "old"})
	r, store, _ := testReconciler(t, []*workspace.Folder{local}, nil)
	payload := encodeSession(t, Folder{
		Name:           "proj",
		WorkingChanges: []Change{NewDeletion("b.txt")},
	})
	store.EXPECT().Read(gomock.Any(), "").Return(payload, "ref-1", nil)
	store.EXPECT().Delete(gomock.Any(), "ref-1").Return(nil)

	// b.txt is not locally modified, so the deletion is conflict-free.
	res, err := r.Resume(context.Background(), "", nil, MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, ResumeApplied, res.Outcome)

	exists, err := local.Exists("b.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestResume_DeletionConflictDeclined(t *testing.T) {
	local := testFolder(t, "proj", map[string]string{"b.txt": "locally modified"})
	var seen []ConflictPreview
	confirm := func(ctx context.Context, conflicts []ConflictPreview) (bool, error) {
		seen = conflicts
		return false, nil
	}
	r, store, _ := testReconciler(t, []*workspace.Folder{local}, confirm)
	payload := encodeSession(t, Folder{
		Name:           "proj",
		WorkingChanges: []Change{NewDeletion("b.txt")},
	})
	store.EXPECT().Read(gomock.Any(), "").Return(payload, "ref-1", nil)

	// b.txt is tracked as locally changed, making the deletion a conflict.
	repo := &fakeRepo{root: local.Root, groups: []ResourceGroup{
		{Name: "worktree", Paths: []string{abs(local, "b.txt")}},
	}}
	res, err := r.Resume(context.Background(), "", []Repository{repo}, MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, ResumeDeclined, res.Outcome)
	assert.Equal(t, 1, res.Conflicts)
	require.Len(t, seen, 1)
	assert.Equal(t, "b.txt", seen[0].RelativeFilePath)

	// Declining leaves the file untouched and the snapshot in place
	// (no Delete expectation on the mock).
	data, err := local.ReadFile("b.txt")
	require.NoError(t, err)
	assert.Equal(t, "locally modified", string(data))
}

func TestResume_ConflictAccepted(t *testing.T) {
	local := testFolder(t, "proj", map[string]string{"a.txt": "local version"})
	r, store, _ := testReconciler(t, []*workspace.Folder{local}, acceptAll)
	payload := encodeSession(t, Folder{
		Name:           "proj",
		WorkingChanges: []Change{NewAddition("a.txt", []byte("remote version"))},
	})
	store.EXPECT().Read(gomock.Any(), "").Return(payload, "ref-1", nil)
	store.EXPECT().Delete(gomock.Any(), "ref-1").Return(nil)

	repo := &fakeRepo{root: local.Root, groups: []ResourceGroup{
		{Name: "worktree", Paths: []string{abs(local, "a.txt")}},
	}}
	res, err := r.Resume(context.Background(), "", []Repository{repo}, MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, ResumeApplied, res.Outcome)
	assert.Equal(t, 1, res.Conflicts)

	data, err := local.ReadFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "remote version", string(data))
}

func TestResume_NilConfirmCancelsOnConflict(t *testing.T) {
	local := testFolder(t, "proj", map[string]string{"a.txt": "local"})
	r, store, _ := testReconciler(t, []*workspace.Folder{local}, nil)
	payload := encodeSession(t, Folder{
		Name:           "proj",
		WorkingChanges: []Change{NewAddition("a.txt", []byte("remote"))},
	})
	store.EXPECT().Read(gomock.Any(), "").Return(payload, "ref-1", nil)

	repo := &fakeRepo{root: local.Root, groups: []ResourceGroup{
		{Name: "worktree", Paths: []string{abs(local, "a.txt")}},
	}}
	res, err := r.Resume(context.Background(), "", []Repository{repo}, MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, ResumeDeclined, res.Outcome)
}

func TestResume_EqualContentIsNotAConflict(t *testing.T) {
	local := testFolder(t, "proj", map[string]string{"a.txt": "same"})
	r, store, _ := testReconciler(t, []*workspace.Folder{local}, declineAll)
	payload := encodeSession(t, Folder{
		Name:           "proj",
		WorkingChanges: []Change{NewAddition("a.txt", []byte("same"))},
	})
	store.EXPECT().Read(gomock.Any(), "").Return(payload, "ref-1", nil)
	store.EXPECT().Delete(gomock.Any(), "ref-1").Return(nil)

	repo := &fakeRepo{root: local.Root, groups: []ResourceGroup{
		{Name: "worktree", Paths: []string{abs(local, "a.txt")}},
	}}
	res, err := r.Resume(context.Background(), "", []Repository{repo}, MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, ResumeApplied, res.Outcome)
	assert.Zero(t, res.Conflicts, "matching hashes mean no overwrite")
}

func TestResume_SnapshotDeleteFailureIsNotFatal(t *testing.T) {
	local := testFolder(t, "proj", nil)
	r, store, _ := testReconciler(t, []*workspace.Folder{local}, nil)
	payload := encodeSession(t, Folder{
		Name:           "proj",
		WorkingChanges: []Change{NewAddition("a.txt", []byte("hello"))},
	})
	store.EXPECT().Read(gomock.Any(), "").Return(payload, "ref-1", nil)
	store.EXPECT().Delete(gomock.Any(), "ref-1").Return(errors.New("store offline"))

	res, err := r.Resume(context.Background(), "", nil, MatchOptions{})
	require.NoError(t, err, "workspace is updated; a stale snapshot is only logged")
	assert.Equal(t, ResumeApplied, res.Outcome)
}

func TestResume_ByExplicitReference(t *testing.T) {
	local := testFolder(t, "proj", nil)
	r, store, _ := testReconciler(t, []*workspace.Folder{local}, nil)
	payload := encodeSession(t, Folder{
		Name:           "proj",
		WorkingChanges: []Change{NewAddition("a.txt", []byte("x"))},
	})
	store.EXPECT().Read(gomock.Any(), "ref-42").Return(payload, "ref-42", nil)
	store.EXPECT().Delete(gomock.Any(), "ref-42").Return(nil)

	res, err := r.Resume(context.Background(), "ref-42", nil, MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ref-42", res.Ref)
}

func TestResume_SurfacesPartialSuggestions(t *testing.T) {
	local := testFolder(t, "proj", nil)
	r, store, provider := testReconciler(t, []*workspace.Folder{local}, nil)
	payload := encodeSession(t, Folder{
		Name:              "proj-fork",
		CanonicalIdentity: "id-remote",
		WorkingChanges:    []Change{NewAddition("a.txt", []byte("x"))},
	})
	store.EXPECT().Read(gomock.Any(), "").Return(payload, "ref-1", nil)
	provider.EXPECT().Identify(gomock.Any(), local).Return("id-local", nil)
	provider.EXPECT().Classify(gomock.Any(), "id-local", "id-remote").Return(ClassifyPartial, nil)

	res, err := r.Resume(context.Background(), "", nil, MatchOptions{ApplyPartials: true})
	require.NoError(t, err)
	assert.Equal(t, ResumeNoMatchingFolder, res.Outcome)
	require.Len(t, res.Partials, 1)
	assert.Equal(t, "proj-fork", res.Partials[0].RemoteFolder)

	exists, err := local.Exists("a.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestResume_ForcedPartialApplies(t *testing.T) {
	local := testFolder(t, "proj", nil)
	r, store, provider := testReconciler(t, []*workspace.Folder{local}, nil)
	payload := encodeSession(t, Folder{
		Name:              "proj-fork",
		CanonicalIdentity: "id-remote",
		WorkingChanges:    []Change{NewAddition("a.txt", []byte("forced"))},
	})
	store.EXPECT().Read(gomock.Any(), "").Return(payload, "ref-1", nil)
	store.EXPECT().Delete(gomock.Any(), "ref-1").Return(nil)
	provider.EXPECT().Identify(gomock.Any(), local).Return("id-local", nil)
	provider.EXPECT().Classify(gomock.Any(), "id-local", "id-remote").Return(ClassifyPartial, nil)

	res, err := r.Resume(context.Background(), "", nil, MatchOptions{ApplyPartials: true, Force: true})
	require.NoError(t, err)
	assert.Equal(t, ResumeApplied, res.Outcome)

	data, err := local.ReadFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "forced", string(data))
}

func TestResume_ApplyFailureKeepsSnapshot(t *testing.T) {
	local := testFolder(t, "proj", nil)
	r, store, _ := testReconciler(t, []*workspace.Folder{local}, nil)

	// An addition whose relative path escapes the folder fails to apply.
	payload := []byte(`{"version":1,"folders":[{"name":"proj","workingChanges":[` +
		`{"type":"addition","fileType":"file","relativeFilePath":"../../etc/evil","contents":"aGk="}]}]}`)
	store.EXPECT().Read(gomock.Any(), "").Return(payload, "ref-1", nil)

	// No Delete expectation: the snapshot must survive a failed apply.
	_, err := r.Resume(context.Background(), "", nil, MatchOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "applying")
}

package p4_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcin-skalski/p4desk/internal/p4"
	"github.com/marcin-skalski/p4desk/internal/p4/p4test"
)

const infoOut = `User name: alice
Client name: alice-main
Client host: ws01
Client root: /home/alice/ws
Server address: perforce:1666
Server version: P4D/LINUX26X86_64/2023.2/2530404 (2023/10/05)
`

func newClient(fake *p4test.Fake) *p4.Client {
	return p4.NewClient(fake, 4, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestInfoCachedPerSession(t *testing.T) {
	fake := p4test.New().OnOutput("info", infoOut)
	c := newClient(fake)
	sess := p4.NewSession("alice-main")

	info, err := c.Info(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, &p4.ClientInfo{
		User:          "alice",
		Workspace:     "alice-main",
		Root:          "/home/alice/ws",
		Host:          "ws01",
		ServerAddress: "perforce:1666",
		ServerVersion: "P4D/LINUX26X86_64/2023.2/2530404 (2023/10/05)",
	}, info)

	_, err = c.Info(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Called("info"))

	switched := sess.Switch("alice-release")
	assert.Equal(t, "alice-release", switched.Workspace())
	info, err = c.Info(context.Background(), switched)
	require.NoError(t, err)
	assert.Equal(t, "alice-release", info.Workspace)
	assert.Equal(t, 2, fake.Called("info"))
}

func TestInfoAuthFailure(t *testing.T) {
	fake := p4test.New().OnOutput("info", "Perforce password (P4PASSWD) invalid or unset.\n")
	_, err := newClient(fake).Info(context.Background(), p4.NewSession(""))
	assert.ErrorIs(t, err, p4.ErrAuthentication)
}

func TestPendingChangesAlwaysHasDefault(t *testing.T) {
	fake := p4test.New().
		OnOutput("info", infoOut).
		OnOutput("changes -s pending -l -t -c alice-main", "")

	changes, err := newClient(fake).PendingChanges(context.Background(), p4.NewSession("alice-main"))
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, p4.DefaultChange, changes[0].Number)
	assert.True(t, changes[0].IsDefault())
	assert.Equal(t, "alice", changes[0].User)
}

func TestPendingChangesListsNumbered(t *testing.T) {
	fake := p4test.New().
		OnOutput("info", infoOut).
		OnOutput("changes -s pending -l -t -c alice-main", "Change 12 on 2024/01/01 by alice@alice-main *pending*\n\n\tFirst\n")

	changes, err := newClient(fake).PendingChanges(context.Background(), p4.NewSession("alice-main"))
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, 0, changes[0].Number)
	assert.Equal(t, 12, changes[1].Number)
	assert.Equal(t, "First", changes[1].Description)
}

func TestDescribeSupplementsMissingBlocks(t *testing.T) {
	describe := `Change 300 by alice@alice-main on 2024/04/10

	Mixed change

Affected files ...

... //ws/new.txt#1 add
... //ws/edit.c#3 edit
... //ws/first.c#1 edit
... //ws/shown.c#2 edit

Differences ...

==== //ws/shown.c#2 (text) ====

@@ -1 +1 @@
-a
+b
`
	fake := p4test.New().
		OnOutput("describe -du 300", describe).
		OnOutput("print -q //ws/new.txt#1", "hello\nworld\n").
		OnOutput("diff2 -du //ws/edit.c#2 //ws/edit.c#3", "==== //ws/edit.c#2 (text) - //ws/edit.c#3 (text) ==== content\n@@ -4 +4 @@\n-x\n+y\n")

	detail, err := newClient(fake).Describe(context.Background(), p4.NewSession("alice-main"), 300, false)
	require.NoError(t, err)

	want := strings.Join([]string{
		"==== //ws/shown.c#2 (text) ====",
		"",
		"@@ -1 +1 @@",
		"-a",
		"+b",
		"==== //ws/new.txt#1 (add) ====",
		"@@ -0,0 +1,2 @@",
		"+hello",
		"+world",
		"==== //ws/edit.c#3 (edit) ====",
		"@@ -4 +4 @@",
		"-x",
		"+y",
	}, "\n")
	assert.Equal(t, want, detail.Diff)
	assert.Equal(t, 0, fake.Called("//ws/first.c"), "rev 1 edit has no previous revision")
	assert.Equal(t, 0, fake.Called("//ws/shown.c"), "files already in the diff are not re-fetched")
}

func TestDescribeSupplementFailureIsSkipped(t *testing.T) {
	fake := p4test.New().
		OnOutput("describe -du 5", "Change 5 by a@w on 2024/01/01\n\n\tx\n\nAffected files ...\n\n... //ws/n.txt#1 add\n\nDifferences ...\n")

	detail, err := newClient(fake).Describe(context.Background(), p4.NewSession("w"), 5, false)
	require.NoError(t, err)
	assert.Empty(t, detail.Diff)
	assert.Len(t, detail.Files, 1)
}

func TestDescribeSkipsPerFileErrors(t *testing.T) {
	fake := p4test.New().
		OnOutput("describe -du 7", "Change 7 by a@w on 2024/01/01\n\n\tx\n\nAffected files ...\n\n... //d/new.c#1 add\n... //d/old.c#4 edit\n\nDifferences ...\n").
		OnOutput("print -q //d/new.c#1", "//d/new.c#1 - no such file(s).\n").
		OnOutput("diff2 -du //d/old.c#3 //d/old.c#4", "//d/old.c#3 - file(s) not in client view.\n")

	detail, err := newClient(fake).Describe(context.Background(), p4.NewSession("w"), 7, false)
	require.NoError(t, err)
	assert.Empty(t, detail.Diff)
	assert.Equal(t, 1, fake.Called("print -q //d/new.c#1"))
	assert.Equal(t, 1, fake.Called("diff2"))
}

func TestDescribeShelvedUsesShelfRevisions(t *testing.T) {
	fake := p4test.New().
		OnOutput("describe -du -S 40", "Change 40 by a@w on 2024/01/01 *pending*\n\n\tshelf\n\nShelved files ...\n\n... //ws/a.c#7 edit\n... //ws/b.c#1 add\n\nDifferences ...\n").
		OnOutput("diff2 -du //ws/a.c#7 //ws/a.c@=40", "==== x ====\n@@ -1 +1 @@\n-1\n+2\n").
		OnOutput("print -q //ws/b.c@=40", "b\n")

	detail, err := newClient(fake).Describe(context.Background(), p4.NewSession("w"), 40, true)
	require.NoError(t, err)
	assert.True(t, detail.Shelved)
	assert.Contains(t, detail.Diff, "==== //ws/a.c#7 (edit) ====\n@@ -1 +1 @@\n-1\n+2")
	assert.Contains(t, detail.Diff, "==== //ws/b.c#1 (add) ====\n@@ -0,0 +1,1 @@\n+b")
}

func TestFileStatusesMergesShelved(t *testing.T) {
	fake := p4test.New().
		OnOutput("info", infoOut).
		OnOutput("changes -s pending -l -t -c alice-main",
			"Change 12 on 2024/01/01 by alice@alice-main *pending*\n\n\tA\n\nChange 13 on 2024/01/01 by alice@alice-main *pending*\n\n\tB\n").
		OnOutput("fstat -Ro -Op //alice-main/...", "... depotFile //ws/a.c\n... path /w/a.c\n... action edit\n... change 12\n").
		OnOutput("fstat -Rs -e 12 -Op //alice-main/...", "... depotFile //ws/a.c\n... action edit\n\n... depotFile //ws/s.c\n... action add\n")
	// Change 13 has no registered response and fails; it is skipped.

	files, err := newClient(fake).FileStatuses(context.Background(), p4.NewSession("alice-main"))
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "//ws/a.c", files[0].DepotPath)
	assert.False(t, files[0].Shelved)
	assert.Equal(t, "//ws/s.c", files[1].DepotPath)
	assert.True(t, files[1].Shelved)
	assert.Equal(t, 12, files[1].Change)

	for _, inv := range fake.Calls() {
		if inv.Args[0] == "fstat" {
			assert.Equal(t, p4.TagDotted, inv.Tagged)
		}
	}
}

func TestFileDiffOpenEdit(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "a.c")
	require.NoError(t, os.WriteFile(local, []byte("new\n"), 0o644))

	fake := p4test.New().
		OnOutput("print -q //ws/a.c#have", "old\n").
		OnOutput("diff -du //ws/a.c", "--- //ws/a.c\t2024/01/01\n+++ "+local+"\t2024/01/02\n@@ -1 +1 @@\n-old\n+new\n")

	res, err := newClient(fake).FileDiff(context.Background(), p4.NewSession("w"), p4.FileStatus{
		DepotPath: "//ws/a.c", LocalPath: local, Action: p4.ActionEdit, Rev: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "old\n", res.Before)
	assert.Equal(t, "new\n", res.After)
	assert.Equal(t, "==== //ws/a.c#2 (edit) ====\n@@ -1 +1 @@\n-old\n+new", res.Hunks)
}

func TestFileDiffShelvedFailureReturnsNoResult(t *testing.T) {
	fake := p4test.New().
		OnOutput("print -q //ws/a.c#3", "a\n").
		OnOutput("print -q //ws/a.c@=12", "//ws/a.c@=12 - no file(s) at that changelist number.\n")

	res, err := newClient(fake).FileDiff(context.Background(), p4.NewSession("w"), p4.FileStatus{
		DepotPath: "//ws/a.c", Action: p4.ActionEdit, Rev: 3, Change: 12, Shelved: true,
	})
	assert.ErrorIs(t, err, p4.ErrToolReported)
	assert.Nil(t, res)
	assert.Zero(t, fake.Called("diff2"))
}

func TestFileDiffOpenAddAndDelete(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "n.txt")
	require.NoError(t, os.WriteFile(local, []byte("x\ny\n"), 0o644))

	fake := p4test.New().OnOutput("print -q //ws/gone.txt#have", "bye\n")
	c := newClient(fake)

	add, err := c.FileDiff(context.Background(), p4.NewSession("w"), p4.FileStatus{DepotPath: "//ws/n.txt", LocalPath: local, Action: p4.ActionAdd})
	require.NoError(t, err)
	assert.Equal(t, "==== //ws/n.txt#0 (add) ====\n@@ -0,0 +1,2 @@\n+x\n+y", add.Hunks)

	del, err := c.FileDiff(context.Background(), p4.NewSession("w"), p4.FileStatus{DepotPath: "//ws/gone.txt", LocalPath: filepath.Join(dir, "gone.txt"), Action: p4.ActionDelete, Rev: 3})
	require.NoError(t, err)
	assert.Empty(t, del.After)
	assert.Equal(t, "==== //ws/gone.txt#3 (delete) ====\n@@ -1,1 +0,0 @@\n-bye", del.Hunks)
}

func TestNewChangelistWritesForm(t *testing.T) {
	fake := p4test.New().
		OnOutput("info", infoOut).
		OnOutput("change -i", "Change 1500 created.\n")

	n, err := newClient(fake).NewChangelist(context.Background(), p4.NewSession("alice-main"), "Line one\nLine two")
	require.NoError(t, err)
	assert.Equal(t, 1500, n)

	var stdin string
	for _, inv := range fake.Calls() {
		if inv.Args[0] == "change" {
			stdin = inv.Stdin
		}
	}
	assert.Contains(t, stdin, "Client:\talice-main\n")
	assert.Contains(t, stdin, "Description:\n\tLine one\n\tLine two\n")
}

func TestSubmit(t *testing.T) {
	fake := p4test.New().
		OnOutput("submit -c 12", "Submitting change 12.\nChange 12 renamed change 20 and submitted.\n").
		OnOutput("submit -d fix", "Submitting change 21.\nChange 21 submitted.\n").
		OnOutput("submit -c 13", "Submitting change 13.\nSubmit aborted -- fix problems then use 'p4 submit -c 13'.\n")
	c := newClient(fake)
	sess := p4.NewSession("w")

	n, err := c.Submit(context.Background(), sess, 12, "")
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	n, err = c.Submit(context.Background(), sess, 0, "fix")
	require.NoError(t, err)
	assert.Equal(t, 21, n)

	_, err = c.Submit(context.Background(), sess, 13, "")
	assert.ErrorIs(t, err, p4.ErrToolReported)

	_, err = c.Submit(context.Background(), sess, 0, "  ")
	assert.Error(t, err)
}

func TestRevertPassesPathsOnStdin(t *testing.T) {
	fake := p4test.New().
		OnOutput("-x - revert", "//ws/a.c#3 - was edit, reverted\n//ws/-rf#1 - was add, reverted\n")

	reverted, err := newClient(fake).Revert(context.Background(), p4.NewSession("w"), []string{"//ws/a.c", "//ws/-rf"})
	require.NoError(t, err)
	assert.Equal(t, []string{"//ws/a.c", "//ws/-rf"}, reverted)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "//ws/a.c\n//ws/-rf\n", calls[0].Stdin)
	assert.Equal(t, "w", calls[0].Workspace)
}

func TestSyncAndReopenPassPathsOnStdin(t *testing.T) {
	fake := p4test.New().
		OnOutput("-x - sync", "//ws/-n.c#4 - updating /w/-n.c\n").
		OnOutput("-x - reopen -c 12", "//ws/-n.c#4 - reopened; change 12\n").
		OnOutput("sync", "//ws/a.c#2 - updating /w/a.c\n")
	c := newClient(fake)
	sess := p4.NewSession("w")

	synced, err := c.Sync(context.Background(), sess, []string{"-n.c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"//ws/-n.c"}, synced)

	require.NoError(t, c.Reopen(context.Background(), sess, 12, []string{"-n.c"}))

	synced, err = c.Sync(context.Background(), sess, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"//ws/a.c"}, synced)

	calls := fake.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"-x", "-", "sync"}, calls[0].Args)
	assert.Equal(t, "-n.c\n", calls[0].Stdin)
	assert.Equal(t, []string{"-x", "-", "reopen", "-c", "12"}, calls[1].Args)
	assert.Equal(t, "-n.c\n", calls[1].Stdin)
	assert.Equal(t, []string{"sync"}, calls[2].Args)
}

func TestUsersFromJSONLines(t *testing.T) {
	fake := p4test.New().OnOutput("users",
		`{"User":"alice","Email":"alice@example.com","FullName":"Alice A","Access":"1704067200"}`+"\n"+
			"\n"+
			`{"User":"bob","Email":"bob@example.com","FullName":"Bob B"}`+"\n"+
			`{"data":"warning text","severity":2,"generic":17}`+"\n")

	users, err := newClient(fake).Users(context.Background(), p4.NewSession("w"))
	require.NoError(t, err)
	assert.Equal(t, []p4.User{
		{Name: "alice", Email: "alice@example.com", FullName: "Alice A"},
		{Name: "bob", Email: "bob@example.com", FullName: "Bob B"},
	}, users)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, p4.TagJSON, calls[0].Tagged)
}

func TestTicket(t *testing.T) {
	fake := p4test.New().
		OnOutput("info", infoOut).
		OnOutput("tickets", "other:1666 (alice) AAAA\nperforce:1666 (bob) BBBB\nssl:perforce:1666 (alice) CCCC\n")

	user, ticket, err := newClient(fake).Ticket(context.Background(), p4.NewSession("alice-main"))
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "CCCC", ticket)
	assert.Zero(t, fake.Called("login"))
}

func TestTicketMissing(t *testing.T) {
	fake := p4test.New().
		OnOutput("info", infoOut).
		OnOutput("tickets", "perforce:1666 (bob) BBBB\n")

	_, _, err := newClient(fake).Ticket(context.Background(), p4.NewSession("alice-main"))
	assert.ErrorIs(t, err, p4.ErrNoTicket)
}

func TestPendingCountDirection(t *testing.T) {
	fake := p4test.New().
		OnOutput("interchanges -r -S //games/dev", "Change 5 on 2024/01/01 by a@w 'x'\nChange 6 on 2024/01/02 by a@w 'y'\n").
		OnOutput("interchanges -S //games/dev", "All revision(s) already integrated.\n")
	c := newClient(fake)

	down, err := c.PendingCount(context.Background(), p4.NewSession("w"), "//games/dev", p4.MergeDown)
	require.NoError(t, err)
	assert.Equal(t, 2, down)

	up, err := c.PendingCount(context.Background(), p4.NewSession("w"), "//games/dev", p4.CopyUp)
	require.NoError(t, err)
	assert.Zero(t, up)
}

func TestStreamsAndWorkspaces(t *testing.T) {
	fake := p4test.New().
		OnOutput("streams //games/...", "... Stream //games/main\n... Type mainline\n... Parent none\n... Name main\n\n... Stream //games/dev\n... Type development\n... Parent //games/main\n").
		OnOutput("clients -S //games/dev", "... client alice-dev\n... Owner alice\n... Root /w/dev\n... Stream //games/dev\n").
		OnOutput("client -o alice-dev", "Client:\talice-dev\n\nRoot:\t/w/dev\n\nView:\n\t//games/dev/... //alice-dev/...\n")
	c := newClient(fake)
	sess := p4.NewSession("w")

	streams, err := c.Streams(context.Background(), sess, "//games")
	require.NoError(t, err)
	require.Len(t, streams, 2)
	assert.False(t, streams[0].HasParent())
	assert.Equal(t, "dev", streams[1].Name)
	assert.Equal(t, "//games/main", streams[1].Parent)

	wss, err := c.Workspaces(context.Background(), sess, "//games/dev")
	require.NoError(t, err)
	require.Len(t, wss, 1)
	assert.Equal(t, "alice-dev", wss[0].Name)

	ws, err := c.Workspace(context.Background(), sess, "alice-dev")
	require.NoError(t, err)
	assert.Equal(t, []string{"//games/dev/... //alice-dev/..."}, ws.View)
}

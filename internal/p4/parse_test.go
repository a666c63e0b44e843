package p4

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const changesLong = `Change 1042 on 2024/03/05 14:22:10 by alice@alice-main *pending*

	Fix crash when loading
	empty levels

Change 1038 on 2024/03/01 by alice@alice-main *pending*

	WIP
`

func TestParseChanges(t *testing.T) {
	got := ParseChanges(changesLong, StatusPending)
	want := []Changelist{
		{
			Number:      1042,
			Status:      StatusPending,
			Description: "Fix crash when loading\nempty levels",
			User:        "alice",
			Workspace:   "alice-main",
			Date:        time.Date(2024, 3, 5, 14, 22, 10, 0, time.Local),
		},
		{
			Number:      1038,
			Status:      StatusPending,
			Description: "WIP",
			User:        "alice",
			Workspace:   "alice-main",
			Date:        time.Date(2024, 3, 1, 0, 0, 0, 0, time.Local),
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseChanges mismatch (-want +got):\n%s", diff)
	}
}

func TestParseChangesShortForm(t *testing.T) {
	out := "Change 7 on 2024/01/02 by bob@b-ws 'Quick fix for build '\nChange 6 on 2024/01/01 by bob@b-ws 'Initial'\n"
	got := ParseChanges(out, StatusSubmitted)
	require.Len(t, got, 2)
	assert.Equal(t, "Quick fix for build", got[0].Description)
	assert.Equal(t, StatusSubmitted, got[1].Status)
	assert.Equal(t, 6, got[1].Number)
}

func TestParseChangesEmpty(t *testing.T) {
	assert.Empty(t, ParseChanges("", StatusPending))
	assert.Empty(t, ParseChanges("noise\nmore noise\n", StatusPending))
}

const describeSubmitted = `Change 2001 by alice@alice-main on 2024/04/10 09:00:01

	Add loader
	  with indentation

Affected files ...

... //depot/main/loader.c#1 add
... //depot/main/util.c#5 edit
... //depot/main/old.c#3 delete

Differences ...

==== //depot/main/util.c#5 (text) ====

@@ -1,1 +1,1 @@
-old
+new
`

func TestParseDescribe(t *testing.T) {
	got, err := ParseDescribe(describeSubmitted)
	require.NoError(t, err)

	assert.Equal(t, 2001, got.Number)
	assert.Equal(t, "alice", got.User)
	assert.Equal(t, "alice-main", got.Workspace)
	assert.Equal(t, StatusSubmitted, got.Status)
	assert.Equal(t, "Add loader\nwith indentation", got.Description)
	assert.False(t, got.Shelved)
	assert.Equal(t, []DescribedFile{
		{DepotPath: "//depot/main/loader.c", Rev: 1, Action: ActionAdd},
		{DepotPath: "//depot/main/util.c", Rev: 5, Action: ActionEdit},
		{DepotPath: "//depot/main/old.c", Rev: 3, Action: ActionDelete},
	}, got.Files)
	assert.Equal(t, "==== //depot/main/util.c#5 (text) ====\n\n@@ -1,1 +1,1 @@\n-old\n+new", got.Diff)
}

func TestParseDescribeShelved(t *testing.T) {
	out := "Change 77 by bob@b-ws on 2024/04/10 *pending*\n\n\tShelf\n\nShelved files ...\n\n... //depot/a b.c#2 edit\n"
	got, err := ParseDescribe(out)
	require.NoError(t, err)
	assert.True(t, got.Shelved)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, []DescribedFile{{DepotPath: "//depot/a b.c", Rev: 2, Action: ActionEdit}}, got.Files)
	assert.Empty(t, got.Diff)
}

func TestParseDescribeNoHeader(t *testing.T) {
	_, err := ParseDescribe("Change 12 unknown.\n")
	assert.Error(t, err)
}

func TestParseAnnotate(t *testing.T) {
	out := "1001: alice 2024/01/02 int main() {\n" +
		"1001: alice 2024/01/02     return 0;\n" +
		"continued without attribution\n" +
		"1200: bob 2024/02/03\n" +
		"1001: alice 2024/01/02 }\n"
	got := ParseAnnotate(out)

	jan := time.Date(2024, 1, 2, 0, 0, 0, 0, time.Local)
	want := []AnnotatedLine{
		{Line: 1, Change: 1001, User: "alice", Date: jan, Content: "int main() {"},
		{Line: 2, Change: 1001, User: "alice", Date: jan, Content: "    return 0;"},
		{Line: 3, Change: 1001, User: "alice", Date: jan, Content: "continued without attribution"},
		{Line: 4, Change: 1200, User: "bob", Date: time.Date(2024, 2, 3, 0, 0, 0, 0, time.Local)},
		{Line: 5, Change: 1001, User: "alice", Date: jan, Content: "}"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseAnnotate mismatch (-want +got):\n%s", diff)
	}
}

func TestParseAnnotateSkipsHeaderAndLeadingNoise(t *testing.T) {
	out := "//depot/main/a.c#3 - edit change 1001 (text)\nstray\n7: carol 2024/05/06 x\n"
	got := ParseAnnotate(out)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Line)
	assert.Equal(t, 7, got[0].Change)
}

func TestParseFileStatuses(t *testing.T) {
	out := `... depotFile //ws/src/a.c
... clientFile //alice-main/src/a.c
... path /home/alice/ws/src/a.c
... action edit
... change default
... type text
... workRev 4
... depotFile //ws/src/b.c
... clientFile //alice-main/src/b.c
... action add
... change 1042
... type binary

... clientFile //alice-main/broken
... action edit
`
	got := ParseFileStatuses(out, false)
	want := []FileStatus{
		{DepotPath: "//ws/src/a.c", LocalPath: "/home/alice/ws/src/a.c", Action: ActionEdit, Change: 0, Type: "text", Rev: 4},
		{DepotPath: "//ws/src/b.c", LocalPath: "//alice-main/src/b.c", Action: ActionAdd, Change: 1042, Type: "binary"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseFileStatuses mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeFileStatusesFirstSeenWins(t *testing.T) {
	opened := []FileStatus{{DepotPath: "//ws/a.c", Action: ActionEdit}}
	shelved := []FileStatus{
		{DepotPath: "//ws/a.c", Action: ActionDelete, Shelved: true},
		{DepotPath: "//ws/b.c", Action: ActionAdd, Shelved: true},
	}
	got := mergeFileStatuses(opened, shelved)
	assert.Equal(t, []FileStatus{
		{DepotPath: "//ws/a.c", Action: ActionEdit},
		{DepotPath: "//ws/b.c", Action: ActionAdd, Shelved: true},
	}, got)
}

func TestParseSpec(t *testing.T) {
	out := `# A Perforce Client Specification.
Client:	alice-main

Owner:	alice

Description:
	Main dev workspace
	for alice

Root:	/home/alice/ws

Stream:	//games/main

View:
	//games/main/... //alice-main/...
`
	fields, blocks := parseSpec(out)
	assert.Equal(t, "alice-main", fields["Client"])
	assert.Equal(t, "/home/alice/ws", fields["Root"])
	assert.Equal(t, "//games/main", fields["Stream"])
	assert.Equal(t, []string{"Main dev workspace", "for alice"}, blocks["Description"])
	assert.Equal(t, []string{"//games/main/... //alice-main/..."}, blocks["View"])
}

func TestSameServer(t *testing.T) {
	assert.True(t, sameServer("ssl:perforce:1666", "perforce:1666"))
	assert.True(t, sameServer("Perforce:1666", "perforce:1666"))
	assert.False(t, sameServer("other:1666", "perforce:1666"))
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "Submit aborted -- fix problems then use 'p4 submit -c 13'.",
		LastLine("Change 13 created.\nSubmit aborted -- fix problems then use 'p4 submit -c 13'.\n\n"))
	assert.Equal(t, "single", LastLine("  single  "))
	assert.Empty(t, LastLine("\n\n"))
}

package p4

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestParseJSONLines(t *testing.T) {
	out := `{"depotFile":"//ws/a.c","rev":"3"}

not json at all
{"depotFile":"//ws/b.c","headRev":4,"isMapped":true,"other":null}
{"truncated":
`
	got := ParseJSONLines(out)
	want := []Record{
		{"depotFile": "//ws/a.c", "rev": "3"},
		{"depotFile": "//ws/b.c", "headRev": "4", "isMapped": "true", "other": ""},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseJSONLines mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDotted(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want []Record
	}{
		{
			name: "blank line separated",
			out: `... depotFile //ws/a.c
... action edit

... depotFile //ws/b.c
... action add
`,
			want: []Record{
				{"depotFile": "//ws/a.c", "action": "edit"},
				{"depotFile": "//ws/b.c", "action": "add"},
			},
		},
		{
			name: "primary field repeats without blank line",
			out: `... depotFile //ws/a.c
... action edit
... depotFile //ws/b.c
... action delete
... change 12
`,
			want: []Record{
				{"depotFile": "//ws/a.c", "action": "edit"},
				{"depotFile": "//ws/b.c", "action": "delete", "change": "12"},
			},
		},
		{
			name: "noise lines ignored",
			out: `//ws/... - file(s) not opened on this client.
... depotFile //ws/a.c
garbage inside a record
... ... otherOpen0 bob@ws2
... headType text+x
`,
			want: []Record{
				{"depotFile": "//ws/a.c", "otherOpen0": "bob@ws2", "headType": "text+x"},
			},
		},
		{
			name: "value with spaces and empty value",
			out:  "... desc Fix the thing\n... Options\n... name p\n",
			want: []Record{{"desc": "Fix the thing", "Options": "", "name": "p"}},
		},
		{
			name: "empty",
			out:  "\n\n",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseDotted(tt.out, "depotFile")
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseDotted mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRecordInt(t *testing.T) {
	r := Record{"rev": "12", "bad": "1x", "neg": "-3"}
	assert.Equal(t, 12, r.Int("rev"))
	assert.Equal(t, 0, r.Int("bad"))
	assert.Equal(t, 0, r.Int("missing"))
	assert.Equal(t, -3, r.Int("neg"))
}

func TestParseFields(t *testing.T) {
	out := "User name: alice\nClient name: alice-main\nClient root: /home/alice/ws\n\tindented: skip\nServer address: ssl:perforce:1666\nUser name: ignored\n"
	got := parseFields(out)
	assert.Equal(t, "alice", got["User name"])
	assert.Equal(t, "/home/alice/ws", got["Client root"])
	assert.Equal(t, "ssl:perforce:1666", got["Server address"])
	assert.NotContains(t, got, "\tindented")
}

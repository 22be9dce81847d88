package labels

import (
	"reflect"
	"testing"

	imap "github.com/emersion/go-imap/v2"

	"github.com/dhcgn/mbox-drill/model"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  []string
	}{
		{"single", "Inbox", []string{"Inbox"}},
		{"comma list", "Inbox,Important,Opened", []string{"Inbox", "Important", "Opened"}},
		{"spaces", " Inbox , Category Personal ", []string{"Inbox", "Category Personal"}},
		{"folded", "Inbox,Important,\r\n Opened", []string{"Inbox", "Important", "Opened"}},
		{"quoted comma", `Inbox,"Work, Archive",Sent`, []string{"Inbox", "Work, Archive", "Sent"}},
		{"empty items", "Inbox,,", []string{"Inbox"}},
		{"encoded word with comma", "=?UTF-8?Q?a,b?=,Inbox", []string{"=?UTF-8?Q?a,b?=", "Inbox"}},
		{"unterminated encoded word", "=?UTF-8?Q?a,b", []string{"=?UTF-8?Q?a", "b"}},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Split(tt.value); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Split(%q) = %#v, want %#v", tt.value, got, tt.want)
			}
		})
	}
}

func TestCollect_DeduplicatesAcrossHeaders(t *testing.T) {
	got := Collect([]string{"Inbox,Starred", "Inbox", "Starred,Sent"}, nil)
	want := []string{"Inbox", "Starred", "Sent"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Collect() = %v, want %v", got, want)
	}
}

func TestCollect_CasePreserving(t *testing.T) {
	got := Collect([]string{"Inbox,INBOX"}, nil)
	if len(got) != 2 {
		t.Errorf("Collect() = %v, want two distinct labels", got)
	}
}

func TestCollect_Unlabeled(t *testing.T) {
	for _, values := range [][]string{nil, {""}, {" , "}} {
		got := Collect(values, nil)
		if len(got) != 1 || got[0] != model.UnlabeledLabel {
			t.Errorf("Collect(%q) = %v, want [%s]", values, got, model.UnlabeledLabel)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		role imap.MailboxAttr
	}{
		{"Sent", KindSystem, imap.MailboxAttrSent},
		{"spam", KindSystem, imap.MailboxAttrJunk},
		{"Starred", KindSystem, imap.MailboxAttrFlagged},
		{"Inbox", KindSystem, ""},
		{"Opened", KindStatus, ""},
		{"Category Promotions", KindCategory, ""},
		{"Receipts/2020", KindUser, ""},
	}
	for _, tt := range tests {
		info := Classify(tt.name)
		if info.Name != tt.name || info.Kind != tt.kind || info.Role != tt.role {
			t.Errorf("Classify(%q) = %+v, want kind %s role %q", tt.name, info, tt.kind, tt.role)
		}
	}
}

func TestCollect_DecodesAfterSplitting(t *testing.T) {
	decode := func(s string) string {
		if s == "=?UTF-8?Q?a,b?=" {
			return "a,b"
		}
		return s
	}
	got := Collect([]string{"=?UTF-8?Q?a,b?=,Inbox", "Inbox"}, decode)
	want := []string{"a,b", "Inbox"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Collect() = %v, want %v", got, want)
	}
}

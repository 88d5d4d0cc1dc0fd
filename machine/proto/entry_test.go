package smpd

import "testing"

func TestEntryTypeString(t *testing.T) {
	tests := []struct {
		typ  EntryType
		want string
	}{
		{EntryCommand, "Command"},
		{EntryQuery, "Query"},
		{EntryRegister, "Register"},
		{EntryExpire, "Expire"},
		{EntryClose, "Close"},
	}
	for i, test := range tests {
		if got := test.typ.String(); got != test.want {
			t.Errorf("#%d: want: %s, get: %s", i, test.want, got)
		}
	}
}

func TestEntryTypePredicates(t *testing.T) {
	for i, typ := range []EntryType{EntryCommand, EntryQuery} {
		if !typ.IsOperation() || typ.IsSessionEvent() {
			t.Errorf("#%d: %v misclassified", i, typ)
		}
	}
	for i, typ := range []EntryType{EntryRegister, EntryExpire, EntryClose} {
		if typ.IsOperation() || !typ.IsSessionEvent() {
			t.Errorf("#%d: %v misclassified", i, typ)
		}
	}
}

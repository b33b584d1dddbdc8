package dump

import "testing"

func TestSelectRule(t *testing.T) {
	rules := DefaultRules([]string{"D", "G"})
	tests := []struct {
		kind      Kind
		name      string
		wantRule  string
		wantSep   string
		wantComp  Compression
		wantFound bool
	}{
		{KindJSONLines, "works.json", "json-lines", SeparatorLine, CompressionNone, true},
		{KindSingleJSONArray, "works.json", "json-array", SeparatorArrayElement, CompressionNone, true},
		{KindXZ, "works.xz", "xz-lines", SeparatorLine, CompressionXZ, true},
		{KindGzip, "D201.json.gz", "incremental-gz", SeparatorLine, CompressionGzip, true},
		{KindGzip, "G7.json.gz", "incremental-gz", SeparatorLine, CompressionGzip, true},
		{KindGzip, "all.json.gz", "array-gz", SeparatorArrayElement, CompressionGzip, true},
		{KindDirectory, "D3.json", "incremental-json", SeparatorLine, CompressionNone, true},
		{KindDirectory, "3.json", "array-json", SeparatorArrayElement, CompressionNone, true},
		{KindDirectory, "3.JSON.GZ", "array-gz", SeparatorArrayElement, CompressionGzip, true},
		{KindTar, "crossref/0.json.gz", "snapshot-gz-entry", SeparatorSnapshot, CompressionGzip, true},
		{KindTar, "crossref/0.json", "snapshot-entry", SeparatorSnapshot, CompressionNone, true},
		{KindDirectory, "notes.txt", "", "", CompressionNone, false},
	}
	for _, tc := range tests {
		t.Run(tc.kind.String()+"/"+tc.name, func(t *testing.T) {
			rule, ok := Select(rules, tc.kind, tc.name)
			if ok != tc.wantFound {
				t.Fatalf("found = %v, want %v", ok, tc.wantFound)
			}
			if !ok {
				return
			}
			if rule.Name != tc.wantRule || rule.Separator != tc.wantSep || rule.Compression != tc.wantComp {
				t.Errorf("got rule %s (sep %q, %s), want %s (sep %q, %s)",
					rule.Name, rule.Separator, rule.Compression, tc.wantRule, tc.wantSep, tc.wantComp)
			}
		})
	}
}

func TestSelectRuleWithoutIncrementalPrefixes(t *testing.T) {
	rule, ok := Select(DefaultRules(nil), KindGzip, "D201.json.gz")
	if !ok || rule.Name != "array-gz" {
		t.Errorf("got %s (%v), want array-gz", rule.Name, ok)
	}
}

func TestParseKindRoundTrip(t *testing.T) {
	for k := KindSingleJSONArray; k <= KindDirectory; k++ {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %v, %v", k.String(), got, err)
		}
	}
}

package keyword

import "testing"

type mapDictionary map[string]int

func (m mapDictionary) GetAllTerms() ([]string, error) {
	terms := make([]string, 0, len(m))
	for t := range m {
		terms = append(terms, t)
	}
	return terms, nil
}

func (m mapDictionary) GetTermFrequency(term string) (int, error) {
	return m[term], nil
}

func TestSpellChecker_Check(t *testing.T) {
	sc := NewSpellChecker(mapDictionary{"refund": 5, "policy": 3, "police": 1})
	res, err := sc.Check("refnud polcy")
	if err != nil {
		t.Fatal(err)
	}
	if !res.HasCorrections {
		t.Fatal("expected corrections")
	}
	if res.CorrectedQuery != "refund policy" {
		t.Errorf("CorrectedQuery=%q", res.CorrectedQuery)
	}
	if len(res.MisspelledTerms) != 2 {
		t.Errorf("MisspelledTerms=%v", res.MisspelledTerms)
	}

	res, _ = sc.Check("refund policy")
	if res.HasCorrections {
		t.Errorf("known terms should not be corrected: %+v", res)
	}
}

func TestSpellChecker_Options(t *testing.T) {
	dict := mapDictionary{"refund": 1}
	if got := NewSpellChecker(dict, WithMaxDistance(1)).Suggest("rfnd"); len(got) != 0 {
		t.Errorf("distance 2 should be excluded with max 1, got %v", got)
	}
	if got := NewSpellChecker(dict, WithMinFrequency(2)).Suggest("refnd"); len(got) != 0 {
		t.Errorf("rare terms should be excluded, got %v", got)
	}
	if got := NewSpellChecker(dict).Suggest("refnd"); len(got) != 1 || got[0].Term != "refund" {
		t.Errorf("Suggest = %v", got)
	}
}

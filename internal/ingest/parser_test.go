package ingest

import "testing"

func TestParseJSONNested(t *testing.T) {
	p := NewParser()
	line := `{"id":"e1","studentId":"s1","timestamp":1709632800000,"environment":{"noiseLevel":72,"location":"classroom"},` +
		`"emotions":[{"emotion":"anxious","intensity":4}],"sensory":[{"response":"covers ears","type":"auditory","intensity":3}]}`
	list, err := p.ParseLine(line)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one entry, got %d", len(list))
	}
	f := list[0]
	if f.ID != "e1" || f.StudentID != "s1" || f.Timestamp != "1709632800000" {
		t.Fatalf("json parse mismatch: %+v", f)
	}
	if f.Noise != "72" || f.Location != "classroom" {
		t.Fatalf("environment mismatch: %+v", f)
	}
	if len(f.Emotions) != 1 || f.Emotions[0].Name != "anxious" || f.Emotions[0].Intensity != "4" {
		t.Fatalf("emotions mismatch: %+v", f.Emotions)
	}
	if len(f.Sensory) != 1 || f.Sensory[0].Kind != "auditory" {
		t.Fatalf("sensory mismatch: %+v", f.Sensory)
	}
}

func TestParseJSONArray(t *testing.T) {
	list, err := ParseJSONBytes([]byte(` [{"student_id":"a","emotion":"calm","intensity":2},{"student":"b","noise":40}] `))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(list) != 2 || list[0].StudentID != "a" || list[1].StudentID != "b" {
		t.Fatalf("array parse mismatch: %+v", list)
	}
	if len(list[0].Emotions) != 1 || list[1].Noise != "40" {
		t.Fatalf("flat fields mismatch: %+v", list)
	}
	if _, err := ParseJSONBytes([]byte("   ")); err == nil {
		t.Fatalf("expected error on empty payload")
	}
}

func TestParseCSV(t *testing.T) {
	p := NewParser()
	if list, _ := p.ParseLine("timestamp,student_id,emotion,intensity,noise_level"); list != nil {
		t.Fatalf("expected header to return nil")
	}
	list, err := p.ParseLine("2024-03-05T10:00:00Z,s1,anxious,4,72")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(list) != 1 || list[0].StudentID != "s1" || list[0].Noise != "72" {
		t.Fatalf("csv parse mismatch: %+v", list)
	}
	if len(list[0].Emotions) != 1 || list[0].Emotions[0].Intensity != "4" {
		t.Fatalf("csv emotion mismatch: %+v", list[0].Emotions)
	}
}

func TestParsePlainText(t *testing.T) {
	p := NewParser()
	list, err := p.ParseLine(`2024-03-05 10:00:00 student=s1 emotion=anxious intensity=4 response="covers ears" noise=65`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	f := list[0]
	if f.Timestamp != "2024-03-05 10:00:00" || f.StudentID != "s1" {
		t.Fatalf("plain parse mismatch: %+v", f)
	}
	if len(f.Emotions) != 1 || len(f.Sensory) != 1 || f.Sensory[0].Name != "covers ears" {
		t.Fatalf("plain observations mismatch: %+v", f)
	}
	if f.Noise != "65" {
		t.Fatalf("noise: %s", f.Noise)
	}
}

func TestDetectFormat(t *testing.T) {
	cases := map[string]lineFormat{
		`{"student_id":"s1"}`:           formatJSON,
		`[{"student_id":"s1"}]`:         formatJSON,
		`2024-03-05,s1,calm,2`:          formatCSV,
		`student=s1 note="a, b"`:        formatKV,
		`2024-03-05 10:00:00 s1 calm 2`: formatKV,
	}
	for line, want := range cases {
		if got := detectFormat(line); got != want {
			t.Fatalf("detectFormat(%q) = %d, want %d", line, got, want)
		}
	}
}

package transcript

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

const KeyPrefix = "toma_"

type WordTiming struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type Record struct {
	Take     int          `json:"take"`
	Duration float64      `json:"duration"`
	Text     string       `json:"text"`
	Words    []WordTiming `json:"words"`
}

// MarshalJSON keeps "words" an array for takes without speech.
func (r Record) MarshalJSON() ([]byte, error) {
	type plain Record
	out := plain(r)
	if out.Words == nil {
		out.Words = []WordTiming{}
	}
	return marshalNoEscape(out)
}

func Key(takeID int) string {
	return KeyPrefix + strconv.Itoa(takeID)
}

// Set maps take keys to records and remembers insertion order so that
// serialization is deterministic.
type Set struct {
	keys    []string
	records map[string]Record
}

func NewSet() *Set {
	return &Set{records: make(map[string]Record)}
}

// Add stores rec under Key(rec.Take). A second record for the same take
// replaces the first without changing its position.
func (s *Set) Add(rec Record) {
	if s.records == nil {
		s.records = make(map[string]Record)
	}
	key := Key(rec.Take)
	if _, ok := s.records[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.records[key] = rec
}

func (s *Set) Get(key string) (Record, bool) {
	if s == nil {
		return Record{}, false
	}
	rec, ok := s.records[key]
	return rec, ok
}

func (s *Set) Keys() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.keys...)
}

func (s *Set) Records() []Record {
	if s == nil {
		return nil
	}
	out := make([]Record, 0, len(s.keys))
	for _, key := range s.keys {
		out = append(out, s.records[key])
	}
	return out
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

func (s *Set) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if s != nil {
		for i, key := range s.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			k, err := marshalNoEscape(key)
			if err != nil {
				return nil, err
			}
			buf.Write(k)
			buf.WriteByte(':')

			v, err := s.records[key].MarshalJSON()
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", key, err)
			}
			buf.Write(v)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (s *Set) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("transcript set must be a JSON object")
	}

	s.keys = nil
	s.records = make(map[string]Record)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected key token %v", tok)
		}

		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if _, dup := s.records[key]; !dup {
			s.keys = append(s.keys, key)
		}
		s.records[key] = rec
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

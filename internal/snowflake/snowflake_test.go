package snowflake

import "testing"

func TestSetupSnowflake(t *testing.T) {
	err := Setup(0)
	if err != nil {
		t.Error(err)
	}
}

func TestGenerateSnowflake(t *testing.T) {
	_, err := Generate()
	if err != nil {
		t.Error(err)
	}
}

func TestGeneratedIDsAscend(t *testing.T) {
	var prev int64
	for range 100 {
		id, err := Generate()
		if err != nil {
			t.Fatal(err)
		}
		if id <= prev {
			t.Fatalf("ID %d is not greater than previous %d", id, prev)
		}
		prev = id
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatal(err)
	}

	ts := Timestamp(id)
	if ts != lastTimestamp {
		t.Errorf("Timestamp(%d) = %d, want %d", id, ts, lastTimestamp)
	}
}

package keyValue

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func setupSelfContained(t *testing.T) {
	t.Helper()
	sugar = zap.NewNop().Sugar()
	selfContained = true
	mutex.Lock()
	hashmap = make(map[string]value)
	mutex.Unlock()
}

func TestSetAndGet(t *testing.T) {
	setupSelfContained(t)

	err := Set("greeting", "hello", 0)
	if err != nil {
		t.Fatal(err)
	}

	data, err := Get("greeting")
	if err != nil {
		t.Fatal(err)
	}
	if data != "hello" {
		t.Errorf("got [%s], expected [hello]", data)
	}
}

func TestGetMissingKeyReturnsEmpty(t *testing.T) {
	setupSelfContained(t)

	data, err := Get("nothing-here")
	if err != nil {
		t.Fatal(err)
	}
	if data != "" {
		t.Errorf("got [%s], expected empty string", data)
	}
}

func TestGetDelRemovesKey(t *testing.T) {
	setupSelfContained(t)

	if err := Set("ticket", "one-shot", time.Minute); err != nil {
		t.Fatal(err)
	}

	data, err := GetDel("ticket")
	if err != nil {
		t.Fatal(err)
	}
	if data != "one-shot" {
		t.Errorf("got [%s], expected [one-shot]", data)
	}

	again, err := GetDel("ticket")
	if err != nil {
		t.Fatal(err)
	}
	if again != "" {
		t.Errorf("second read got [%s], expected empty string", again)
	}
}

func TestIncrCountsUp(t *testing.T) {
	setupSelfContained(t)

	for i := int64(1); i <= 3; i++ {
		count, err := Incr("uses")
		if err != nil {
			t.Fatal(err)
		}
		if count != i {
			t.Errorf("got count %d, expected %d", count, i)
		}
	}
}

package wsproto

import "testing"

func TestValidate_RoundTrip(t *testing.T) {
	w := ExecuteRequestWire{
		Channel:   "stable",
		Mode:      "debug",
		Edition:   "2021",
		CrateType: "bin",
		Tests:     false,
		Code:      `fn main(){println!("hi");}`,
		Backtrace: false,
	}
	v, err := Validate(w)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if string(v.Channel) != w.Channel || string(v.Mode) != w.Mode ||
		string(v.Edition) != w.Edition || string(v.CrateType) != w.CrateType {
		t.Fatalf("round trip mismatch: %+v vs %+v", v, w)
	}
}

func TestValidate_BadChannel(t *testing.T) {
	w := ExecuteRequestWire{Channel: "nonsense", Mode: "debug", Edition: "2021", CrateType: "bin"}
	_, err := Validate(w)
	if err == nil {
		t.Fatal("expected error")
	}
	var bad *BadRequestError
	if !asBadRequest(err, &bad) {
		t.Fatalf("expected BadRequestError, got %T: %v", err, err)
	}
	if bad.Field != FieldChannel {
		t.Fatalf("expected channel field, got %s", bad.Field)
	}
}

func TestValidate_BadMode(t *testing.T) {
	w := ExecuteRequestWire{Channel: "stable", Mode: "nonsense", Edition: "2021", CrateType: "bin"}
	_, err := Validate(w)
	var bad *BadRequestError
	if !asBadRequest(err, &bad) || bad.Field != FieldMode {
		t.Fatalf("expected mode field error, got %v", err)
	}
}

func asBadRequest(err error, target **BadRequestError) bool {
	if e, ok := err.(*BadRequestError); ok {
		*target = e
		return true
	}
	return false
}

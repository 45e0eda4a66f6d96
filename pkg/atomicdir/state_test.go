package atomicdir

import (
	"errors"
	"math"
	"testing"
)

func Test_LoadDirState_Returns_State_When_Body_Is_Valid(t *testing.T) {
	t.Parallel()

	st, err := LoadDirState([]byte(`{"schema":1,"sequence":7,"poisoned":false}`))
	if err != nil {
		t.Fatalf("LoadDirState: %v", err)
	}

	if got, want := st.Sequence(), uint32(7); got != want {
		t.Fatalf("sequence=%d, want=%d", got, want)
	}

	if st.Poisoned() {
		t.Fatal("poisoned=true, want=false")
	}
}

func Test_LoadDirState_Returns_ErrPoisoned_Regardless_Of_Sequence(t *testing.T) {
	t.Parallel()

	for _, body := range []string{
		`{"schema":1,"sequence":0,"poisoned":true}`,
		`{"schema":1,"sequence":1,"poisoned":true}`,
		`{"schema":1,"sequence":4294967295,"poisoned":true}`,
	} {
		st, err := LoadDirState([]byte(body))
		if !errors.Is(err, ErrPoisoned) {
			t.Fatalf("LoadDirState(%s) err=%v, want=%v", body, err, ErrPoisoned)
		}

		if !st.Poisoned() {
			t.Fatalf("LoadDirState(%s) poisoned=false, want=true", body)
		}
	}
}

func Test_LoadDirState_Checks_Schema_Before_Poison(t *testing.T) {
	t.Parallel()

	_, err := LoadDirState([]byte(`{"schema":2,"sequence":1,"poisoned":true}`))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("err=%v, want=%v", err, ErrUnsupportedVersion)
	}

	if errors.Is(err, ErrPoisoned) {
		t.Fatalf("err=%v, must not report poison for an unsupported schema", err)
	}

	if !errors.Is(err, ErrInvalidData) {
		t.Fatalf("err=%v, want match for %v", err, ErrInvalidData)
	}
}

func Test_LoadDirState_Returns_ErrInvalidData_When_Body_Is_Malformed(t *testing.T) {
	t.Parallel()

	for _, body := range []string{
		``,
		`not json`,
		`{"sequence":1,"poisoned":false}`,
		`{"schema":1,"poisoned":false}`,
		`{"schema":1,"sequence":-1,"poisoned":false}`,
		`{"schema":1,"sequence":1,"poisoned":false} {}`,
	} {
		if _, err := LoadDirState([]byte(body)); !errors.Is(err, ErrInvalidData) {
			t.Fatalf("LoadDirState(%q) err=%v, want=%v", body, err, ErrInvalidData)
		}
	}
}

func Test_DirState_Next_Increments_And_Wraps(t *testing.T) {
	t.Parallel()

	st := NewDirState()
	if got, want := st.Next().Sequence(), uint32(2); got != want {
		t.Fatalf("Next().Sequence()=%d, want=%d", got, want)
	}

	top := DirState{sequence: math.MaxUint32}
	if got, want := top.Next().Sequence(), uint32(0); got != want {
		t.Fatalf("wrapped sequence=%d, want=%d", got, want)
	}

	if !NewDirState().Poison().Next().Poisoned() {
		t.Fatal("Next must carry the poison flag forward")
	}
}

func Test_DirState_IsSame_Compares_Sequence_Only(t *testing.T) {
	t.Parallel()

	a := NewDirState()

	if !a.IsSame(a.Poison()) {
		t.Fatal("IsSame must ignore the poison flag")
	}

	if a.IsSame(a.Next()) {
		t.Fatal("IsSame must differ across sequences")
	}
}

func Test_DirState_Marshal_Writes_Documented_Format(t *testing.T) {
	t.Parallel()

	data, err := NewDirState().Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	if got, want := string(data), `{"schema":1,"sequence":1,"poisoned":false}`; got != want {
		t.Fatalf("Marshal=%s, want=%s", got, want)
	}
}

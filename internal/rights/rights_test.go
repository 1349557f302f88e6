package rights

import (
	"strings"
	"testing"
)

func TestSet_HasRight(t *testing.T) {
	s := make(Set)
	s.Grant(TypeDreamDaemon, DreamDaemonStart|DreamDaemonShutdown)

	if !s.HasRight(TypeDreamDaemon, DreamDaemonStart) {
		t.Error("HasRight(start) = false, want true")
	}
	if !s.HasRight(TypeDreamDaemon, DreamDaemonStart|DreamDaemonShutdown) {
		t.Error("HasRight(start|shutdown) = false, want true")
	}
	if s.HasRight(TypeDreamDaemon, DreamDaemonRestart) {
		t.Error("HasRight(restart) = true, want false")
	}
	// Flags are scoped by type: bit 2 of DreamMaker is not bit 2 of DreamDaemon.
	if s.HasRight(TypeDreamMaker, DreamMakerCompile) {
		t.Error("HasRight(dream_maker.compile) = true, want false")
	}
}

func TestParse(t *testing.T) {
	s, err := Parse(map[string][]string{
		"dream_daemon": {"start", "soft_restart"},
		"dream_maker":  {"cancel_compile"},
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !s.HasRight(TypeDreamDaemon, DreamDaemonSoftRestart) {
		t.Error("missing dream_daemon.soft_restart")
	}
	if !s.HasRight(TypeDreamMaker, DreamMakerCancelCompile) {
		t.Error("missing dream_maker.cancel_compile")
	}
	if s.HasRight(TypeDreamDaemon, DreamDaemonShutdown) {
		t.Error("unexpected dream_daemon.shutdown")
	}
}

func TestParse_Unknown(t *testing.T) {
	_, err := Parse(map[string][]string{
		"dream_daemon": {"fly"},
		"chat":         {"read"},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{`unknown rights type "chat"`, `unknown dream_daemon right "fly"`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %q, want to contain %q", err.Error(), want)
		}
	}
}

func TestRequirement_Fields(t *testing.T) {
	var none *Requirement
	if a, b := none.Fields(); a != nil || b != nil {
		t.Error("nil requirement should produce nil fields")
	}

	req := &Requirement{Type: TypeDreamMaker, Right: DreamMakerCancelCompile}
	a, b := req.Fields()
	back := FromFields(a, b)
	if back == nil || *back != *req {
		t.Errorf("FromFields(Fields()) = %v, want %v", back, req)
	}

	if FromFields(a, nil) != nil {
		t.Error("half-populated pair should be no requirement")
	}
}

func TestRequirement_Satisfied(t *testing.T) {
	req := &Requirement{Type: TypeDreamMaker, Right: DreamMakerCancelCompile}
	var none *Requirement

	if !none.Satisfied(nil) {
		t.Error("nil requirement should always be satisfied")
	}
	if req.Satisfied(nil) {
		t.Error("nil checker should not satisfy a requirement")
	}
	if req.Satisfied(Set{}) {
		t.Error("empty set should not satisfy a requirement")
	}
	if !req.Satisfied(All) {
		t.Error("All should satisfy every requirement")
	}
	if !req.Satisfied(Set{TypeDreamMaker: DreamMakerCancelCompile}) {
		t.Error("matching set should satisfy")
	}
}

func TestRequirement_String(t *testing.T) {
	req := Requirement{Type: TypeDreamDaemon, Right: DreamDaemonCreateDump}
	if got := req.String(); got != "dream_daemon.create_dump" {
		t.Errorf("String() = %q, want dream_daemon.create_dump", got)
	}
}

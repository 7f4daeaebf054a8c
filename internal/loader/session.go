package loader

import "fmt"

// Stage is one phase of a programming session.
type Stage int

const (
	StagePrepare Stage = iota
	StageFlashProg
	StageEEPProg
	StageEnd
)

func (s Stage) String() string {
	switch s {
	case StagePrepare:
		return "prepare"
	case StageFlashProg:
		return "flash"
	case StageEEPProg:
		return "eeprom"
	case StageEnd:
		return "end"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// session holds the mutable cursor of a programming run. Stages only move
// forward, page cursors stay within their page lists and curStep never
// exceeds totalSteps.
type session struct {
	stages   []Stage
	stageIdx int

	flashIdx    int
	flashPages  int
	flashErased bool
	eepIdx      int
	eepPages    int

	totalSteps int
	curStep    int
	finished   bool
}

// newSession builds the ordered stage list. A memory stage is present only
// when it is enabled and has pages; the end stage is always last.
func newSession(flashPages, eepPages int, flash, eeprom bool) session {
	s := session{}
	if flash {
		s.flashPages = flashPages
		s.totalSteps += flashPages
		if flashPages > 0 {
			s.stages = append(s.stages, StageFlashProg)
		}
	}
	if eeprom {
		s.eepPages = eepPages
		s.totalSteps += eepPages
		if eepPages > 0 {
			s.stages = append(s.stages, StageEEPProg)
		}
	}
	s.stages = append(s.stages, StageEnd)
	s.totalSteps++
	return s
}

func (s *session) stage() Stage {
	return s.stages[s.stageIdx]
}

func (s *session) nextStage() {
	if s.stageIdx < len(s.stages)-1 {
		s.stageIdx++
	}
}

func (s *session) step() {
	if s.curStep >= s.totalSteps {
		panic(fmt.Sprintf("loader: step %d beyond total %d", s.curStep+1, s.totalSteps))
	}
	s.curStep++
}

// flashDone advances the flash cursor and leaves the stage after the last
// page.
func (s *session) flashDone() {
	s.flashIdx++
	s.step()
	if s.flashIdx == s.flashPages {
		s.nextStage()
	}
}

func (s *session) eepDone() {
	s.eepIdx++
	s.step()
	if s.eepIdx == s.eepPages {
		s.nextStage()
	}
}

func (s *session) endDone() {
	s.step()
	s.finished = true
}

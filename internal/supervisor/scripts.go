package supervisor

import (
	"fmt"
	"strconv"
	"time"

	"github.com/kc9xyz/modemlink/internal/chat"
)

func okMatch() chat.Match {
	return chat.Match{Pattern: []byte("OK")}
}

func errorMatch() chat.Match {
	return chat.Match{Pattern: []byte("ERROR")}
}

// buildInitScript brings the modem up on the raw UART pipe and switches
// it into CMUX mode with two DLCIs (one AT channel, one PPP channel).
func (s *Supervisor) buildInitScript() *chat.Script {
	return &chat.Script{
		Name: "init",
		Steps: []chat.Step{
			{Request: "ATE0", Responses: []chat.Match{okMatch()}},
			{Request: "AT+CMUX=0,0,5,127,10,3,30,10,2", Responses: []chat.Match{okMatch()}},
		},
		Aborts:         []chat.Match{errorMatch()},
		OverallTimeout: 10 * time.Second,
		OnComplete:     s.onInitScriptDone,
	}
}

// buildDialScript attaches the data context over the AT DLCI and dials.
func (s *Supervisor) buildDialScript() *chat.Script {
	cgdcont := fmt.Sprintf(`AT+CGDCONT=1,"IP","%s"`, s.cfg.APN)
	steps := []chat.Step{
		{Request: cgdcont, Responses: []chat.Match{okMatch()}},
	}
	if s.cfg.Username != "" {
		steps = append(steps, chat.Step{
			Request:   fmt.Sprintf(`AT+CGAUTH=1,0,"%s","%s"`, s.cfg.Username, s.cfg.Password),
			Responses: []chat.Match{okMatch()},
		})
	}
	steps = append(steps, chat.Step{Request: "ATD*99#", Responses: []chat.Match{{Pattern: []byte("CONNECT")}}})

	return &chat.Script{
		Name:           "dial",
		Steps:          steps,
		Aborts:         []chat.Match{errorMatch(), {Pattern: []byte("NO CARRIER")}},
		OverallTimeout: 30 * time.Second,
		OnComplete:     s.onDialScriptDone,
	}
}

// buildStatusScript polls CREG/CGATT and records the registration
// result on the Supervisor before invoking the normal completion path.
func (s *Supervisor) buildStatusScript() *chat.Script {
	var stat, gattState int
	var statSeen, gattSeen bool

	return &chat.Script{
		Name: "status",
		Steps: []chat.Step{
			{
				Request: "AT+CREG?",
				Responses: []chat.Match{
					{
						Pattern:    []byte("+CREG:"),
						Separators: []byte(", "),
						Callback: func(argv [][]byte, _ any) {
							if len(argv) >= 3 {
								if v, err := strconv.Atoi(string(argv[2])); err == nil {
									stat = v
									statSeen = true
								}
							}
						},
					},
				},
			},
			{Responses: []chat.Match{okMatch()}},
			{
				Request: "AT+CGATT?",
				Responses: []chat.Match{
					{
						Pattern:    []byte("+CGATT:"),
						Separators: []byte(", "),
						Callback: func(argv [][]byte, _ any) {
							if len(argv) >= 2 {
								if v, err := strconv.Atoi(string(argv[1])); err == nil {
									gattState = v
									gattSeen = true
								}
							}
						},
					},
				},
			},
			{Responses: []chat.Match{okMatch()}},
		},
		Aborts:         []chat.Match{errorMatch()},
		OverallTimeout: 5 * time.Second,
		OnComplete: func(r chat.Result) {
			registered := statSeen && gattSeen && stat == 5 && gattState == 1
			s.onStatusScriptDone(r, registered)
		},
	}
}

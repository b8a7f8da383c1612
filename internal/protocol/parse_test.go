package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Command
	}{
		{"create empty", `{"type":"session.create"}`, CreateSession{}},
		{"create full", `{"type":"session.create","shell":"/bin/sh","cwd":"/tmp","cols":100,"rows":30}`,
			CreateSession{Shell: "/bin/sh", Cwd: "/tmp", Cols: 100, Rows: 30}},
		{"write", `{"type":"session.write","sessionId":"` + testID + `","data":"ls -la\n"}`,
			Write{SessionID: testID, Data: "ls -la\n"}},
		{"write ai", `{"type":"session.write","sessionId":"` + testID + `","data":"ls","aiGenerated":true}`,
			Write{SessionID: testID, Data: "ls", AIGenerated: true}},
		{"resize", `{"type":"session.resize","sessionId":"` + testID + `","cols":132,"rows":43}`,
			Resize{SessionID: testID, Cols: 132, Rows: 43}},
		{"kill", `{"type":"session.kill","sessionId":"` + testID + `"}`, Kill{SessionID: testID}},
		{"attach", `{"type":"session.attach","sessionId":"` + testID + `"}`, Attach{SessionID: testID}},
		{"list", `{"type":"session.list"}`, List{}},
		{"whitespace", " {\"type\":\"session.list\"}\n", List{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.in))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse = %#v, want %#v", got, tt.want)
			}
			if got.MessageType() != tt.want.MessageType() {
				t.Errorf("MessageType = %s", got.MessageType())
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"unknown type", `{"type":"session.exec","cmd":"ls"}`, ErrUnknownMessage},
		{"empty type", `{"type":""}`, ErrUnknownMessage},
		{"server type from client", `{"type":"session.output","sessionId":"x","data":"y"}`, ErrUnknownMessage},
		{"not json", `ls -la`, ErrMalformedMessage},
		{"array", `[{"type":"session.list"}]`, ErrMalformedMessage},
		{"null", `null`, ErrMalformedMessage},
		{"missing type", `{"sessionId":"` + testID + `"}`, ErrMalformedMessage},
		{"type not string", `{"type":7}`, ErrMalformedMessage},
		{"unknown field", `{"type":"session.kill","sessionId":"` + testID + `","force":true}`, ErrMalformedMessage},
		{"missing data", `{"type":"session.write","sessionId":"` + testID + `"}`, ErrMalformedMessage},
		{"missing session", `{"type":"session.write","data":"ls"}`, ErrMalformedMessage},
		{"empty data", `{"type":"session.write","sessionId":"` + testID + `","data":""}`, ErrMalformedMessage},
		{"data not string", `{"type":"session.write","sessionId":"` + testID + `","data":["ls"]}`, ErrMalformedMessage},
		{"missing rows", `{"type":"session.resize","sessionId":"` + testID + `","cols":80}`, ErrMalformedMessage},
		{"negative cols", `{"type":"session.resize","sessionId":"` + testID + `","cols":-1,"rows":24}`, ErrMalformedMessage},
		{"cols overflow", `{"type":"session.resize","sessionId":"` + testID + `","cols":70000,"rows":24}`, ErrMalformedMessage},
		{"trailing data", `{"type":"session.list"}{"type":"session.list"}`, ErrMalformedMessage},
		{"bad session id", `{"type":"session.kill","sessionId":"../../etc"}`, ErrMalformedMessage},
		{"bad shell", `{"type":"session.create","shell":"sh -c id"}`, ErrMalformedMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := Parse([]byte(tt.in))
			if !errors.Is(err, tt.want) {
				t.Fatalf("Parse(%s) = %#v, %v; want %v", tt.in, cmd, err, tt.want)
			}
			if cmd != nil {
				t.Errorf("rejected message returned command %#v", cmd)
			}
		})
	}
}

func TestErrorMessageOmitsEmpty(t *testing.T) {
	b, err := json.Marshal(ErrorMessage{Type: TypeError, Code: CodeSessionNotFound, Message: "no such session"})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"error","code":"session-not-found","message":"no such session"}`
	if string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}

	risk := 1.0
	b, _ = json.Marshal(ErrorMessage{Type: TypeError, Code: CodeValidationBlocked, Message: "blocked", Risk: &risk, Rule: "fork-bomb"})
	want = `{"type":"error","code":"validation-blocked","message":"blocked","risk":1,"rule":"fork-bomb"}`
	if string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}
}

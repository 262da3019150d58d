package monitor

import "session-capture-proxy/pkg/types"

// Listener receives the results of a monitoring session. Calls come from
// one goroutine per session; records are cumulative, so handlers may
// simply replace their previous state. Handlers must not call Monitor.Stop
// synchronously.
type Listener interface {
	OnCredential(sessionID string, cred *types.Credential)
	OnRecords(sessionID string, records []types.Record, label string)
	OnError(sessionID string, err error)
}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	Credential func(sessionID string, cred *types.Credential)
	Records    func(sessionID string, records []types.Record, label string)
	Error      func(sessionID string, err error)
}

func (l ListenerFuncs) OnCredential(id string, cred *types.Credential) {
	if l.Credential != nil {
		l.Credential(id, cred)
	}
}

func (l ListenerFuncs) OnRecords(id string, records []types.Record, label string) {
	if l.Records != nil {
		l.Records(id, records, label)
	}
}

func (l ListenerFuncs) OnError(id string, err error) {
	if l.Error != nil {
		l.Error(id, err)
	}
}

package model

// Outcome is the result of a Send call. Status mirrors the ledger record;
// Replayed is set when the outcome came from an earlier completed dispatch.
type Outcome struct {
	Status   DispatchStatus `json:"status"`
	Record   DispatchRecord `json:"record"`
	Replayed bool           `json:"replayed"`
}

func (o Outcome) Sent() bool    { return o.Status == StatusSent }
func (o Outcome) Failed() bool  { return o.Status == StatusFailed }
func (o Outcome) Pending() bool { return o.Status == StatusPending }

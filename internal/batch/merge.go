package batch

// Merge combines a REST snapshot with the live record maintained by the
// reconciler into the single view exposed to consumers.
//
// Descriptive fields (name, sequence, params) always come from the snapshot;
// every real-time field comes from the live record when one exists. This is a
// field-level override, not a timestamp comparison: the live record is by
// construction at least as fresh as the last snapshot for those fields.
func Merge(snapshot Batch, live *Batch) Batch {
	if live == nil {
		return snapshot.Clone()
	}
	out := live.Clone()
	out.ID = snapshot.ID
	if out.ID == "" {
		out.ID = live.ID
	}
	out.Name = snapshot.Name
	out.Sequence = snapshot.Sequence
	if snapshot.Params != nil {
		out.Params = make(map[string]string, len(snapshot.Params))
		for k, v := range snapshot.Params {
			out.Params[k] = v
		}
	} else {
		out.Params = nil
	}
	return out
}

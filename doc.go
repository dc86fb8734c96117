// Package stepflow is a request-processing pipeline engine.
//
// A Pipeline runs an ordered list of steps over one typed context. Each step
// closes with an Outcome: Proceed (or Goto), Abort, Finish or Rollback.
// Rollback unwinds a compensation stack limited to the steps that actually
// ran. A finally step always runs last.
//
// When a SnapshotStore is configured, every run is keyed by a fingerprint of
// the request. A successful run is memoized and returned without executing
// any step; a failed run is resumed from the step where it stopped.
//
//	p := stepflow.New[OpenAccount]("account", func() *AccountContext { return &AccountContext{} },
//		stepflow.WithSnapshotStore(store))
//	p.AddNext("Init", initStep).
//		AddNext("Create", createStep).
//		AddRollback("DeleteAccount", deleteAccount).
//		AddFinally("Notify", notifyStep)
//	res, err := p.Execute(ctx, req, "")
package stepflow

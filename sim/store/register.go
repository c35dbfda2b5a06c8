// register.go wires the badger-backed store into sim.OpenPlanStoreFunc. This
// init() runs when any package imports sim/store; test code in package sim
// uses store_import_test.go for the blank import.
package store

import "github.com/inference-sim/plancache/sim"

func init() {
	sim.OpenPlanStoreFunc = func(cfg sim.StoreConfig) (sim.PlanStore, error) {
		return Open(cfg)
	}
}

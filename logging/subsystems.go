package logging

// SubSystem tags every log line with the component that produced it so a
// single JSON stream stays greppable.
type SubSystem string

const (
	System      SubSystem = "system"
	Server      SubSystem = "server"
	Ingest      SubSystem = "ingest"
	Proofs      SubSystem = "proofs"
	Scoring     SubSystem = "scoring"
	Reporter    SubSystem = "reporter"
	Distributor SubSystem = "distributor"
	Pipeline    SubSystem = "pipeline"
	Clusters    SubSystem = "clusters"
	Watcher     SubSystem = "watcher"
	Monitor     SubSystem = "monitor"
	Chain       SubSystem = "chain"
	Store       SubSystem = "store"
	Challenges  SubSystem = "challenges"
)

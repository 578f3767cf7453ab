package types

type LifecycleManager interface {
	Start() error
	Stop() error
	IsRunning() bool
}

type EngineInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

package analytics

type DataCollectorConfig struct {
	FileName      string
	CollectorType DataCollectorType
}

type DataCollectorType string

const LOG_FILE_DATA_COLLECTOR DataCollectorType = "LOG_FILE_DATA_COLLECTOR"

// RunDataCollector records per-step outcomes for operator audit, off the
// request path.
type RunDataCollector interface {
	RecordStepSuccess(functionId string, runId string, stepName string)
	RecordStepFailure(functionId string, runId string, stepName string, reason string)
}

var runCollector RunDataCollector

func InitDataCollector(config DataCollectorConfig) error {
	switch config.CollectorType {
	case LOG_FILE_DATA_COLLECTOR:
		c, err := NewLogFileDataCollector(config.FileName)
		if err != nil {
			return err
		}
		runCollector = c
	}
	return nil
}

func RecordStepSuccess(functionId string, runId string, stepName string) {
	if runCollector == nil {
		return
	}
	runCollector.RecordStepSuccess(functionId, runId, stepName)
}

func RecordStepFailure(functionId string, runId string, stepName string, reason string) {
	if runCollector == nil {
		return
	}
	runCollector.RecordStepFailure(functionId, runId, stepName, reason)
}

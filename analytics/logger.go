package analytics

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogFileDataCollector struct {
	fileName string
	logger   *zap.Logger
}

func NewLogFileDataCollector(fileName string) (*LogFileDataCollector, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.StacktraceKey = ""
	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
	logFile, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	writer := zapcore.AddSync(logFile)
	core := zapcore.NewCore(fileEncoder, writer, zapcore.InfoLevel)
	return &LogFileDataCollector{
		fileName: fileName,
		logger:   zap.New(core),
	}, nil
}

func (lc *LogFileDataCollector) RecordStepSuccess(functionId string, runId string, stepName string) {
	lc.logger.Info("success", zap.String("function", functionId), zap.String("runId", runId), zap.String("step", stepName))
}

func (lc *LogFileDataCollector) RecordStepFailure(functionId string, runId string, stepName string, reason string) {
	lc.logger.Info("failure", zap.String("function", functionId), zap.String("runId", runId), zap.String("step", stepName), zap.String("reason", reason))
}

package saga

import "time"

// MetricsRecorder records saga runtime metrics. The metrics package
// satisfies it.
type MetricsRecorder interface {
	RecordSagaStarted(sagaType string)
	RecordSagaCompleted(sagaType string)
	RecordSagaCompensated(sagaType string)
	RecordSagaFailed(sagaType string)
	RecordSagaTimedOut(sagaType string)
	RecordCompensationFailed(sagaType string)
	IncActiveSagas()
	DecActiveSagas()
	RecordSagaDuration(sagaType string, duration time.Duration)
	RecordStepDuration(sagaType, stepName string, duration time.Duration)
}

// nopMetrics is a no-op implementation of MetricsRecorder.
type nopMetrics struct{}

func (n *nopMetrics) RecordSagaStarted(sagaType string)                                    {}
func (n *nopMetrics) RecordSagaCompleted(sagaType string)                                  {}
func (n *nopMetrics) RecordSagaCompensated(sagaType string)                                {}
func (n *nopMetrics) RecordSagaFailed(sagaType string)                                     {}
func (n *nopMetrics) RecordSagaTimedOut(sagaType string)                                   {}
func (n *nopMetrics) RecordCompensationFailed(sagaType string)                             {}
func (n *nopMetrics) IncActiveSagas()                                                      {}
func (n *nopMetrics) DecActiveSagas()                                                      {}
func (n *nopMetrics) RecordSagaDuration(sagaType string, duration time.Duration)           {}
func (n *nopMetrics) RecordStepDuration(sagaType, stepName string, duration time.Duration) {}

package saga

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const sagaTracerName = "eventra.saga"

const (
	spanSagaExecute    = "saga.execute"
	spanSagaStep       = "saga.step"
	spanSagaCompensate = "saga.compensate"
	spanSagaResume     = "saga.resume"
)

func sagaTracer() trace.Tracer {
	return otel.Tracer(sagaTracerName)
}

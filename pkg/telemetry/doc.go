// Package telemetry provides observability instrumentation for devloop.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry) and Prometheus metrics behind one Telemetry value that is
// carried in the context.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// Loggers carry workflow identifiers so that every line emitted while an
// instance runs can be correlated with its event stream:
//
//	logger := telemetry.FromContext(ctx).WithWorkflow(inst.InstanceID, inst.CorrelationID, inst.IssueRef)
//	logger.WithActionType("build").Info("gate started")
//
// # Tracing
//
// Workflow runs, gate executions and collaborator calls each get a span:
//
//	ctx, span := telemetry.WithWorkflowContext(ctx, instanceID, correlationID, issueRef)
//	defer span.End()
//
//	err := telemetry.RecordCollaboratorOperation(ctx, "github", "create-pr", func(ctx context.Context) error {
//	    _, err := platform.CreatePR(ctx, issueRef, branch, title, body)
//	    return err
//	})
//
// # Metrics
//
// Metrics are registered on a private registry and exposed by the API server
// at /metrics, or on a standalone listener when metrics.listen_address is set.
// A disabled Metrics value accepts every Record call and does nothing.
package telemetry

// Package agent connects devloop to an external coding agent.
//
// The agent is any executable speaking the JSON-lines protocol in
// pkg/agent/protocol on its stdin and stdout. Provider implements
// engine.AIProvider on top of a small pool of agent processes, one command
// in flight per process. Serve is the other half of the protocol and lets a
// Go program expose an engine.AIProvider as an agent.
//
// Failures are classified for the quality gate executor and the orchestrator:
//
//	ERROR with retryable=true   transient, COLLABORATOR_FAILED
//	ERROR with retryable=false  structural, COLLABORATOR_FAILED
//	deadline exceeded           transient, TIMEOUT
//	process died or bad stream  transient, CONNECTION_FAILED
//	command not installed       structural, MISSING_CONFIG
//
// # Usage Example
//
//	p, err := agent.New(agent.Config{Command: "my-agent", Args: []string{"--stdio"}}, nil, logger)
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	analysis, err := p.Analyze(ctx, engine.Issue{Ref: "acme/api#42"})
package agent

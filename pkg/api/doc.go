/*
Package api exposes workflows, escalations and the event log over HTTP.

Routes:

	GET  /health
	GET  /metrics
	GET  /api/v1/events?correlationId=&type=&after=&before=&q=&limit=&offset=
	POST /api/v1/workflows                         {"issueRef": "owner/repo#42"}
	GET  /api/v1/workflows?active=true&issueRef=
	GET  /api/v1/workflows/:id
	GET  /api/v1/workflows/:id/replay?upto=N
	POST /api/v1/workflows/:id/cancel              {"reason": "..."}
	POST /api/v1/workflows/:id/approve-plan
	POST /api/v1/workflows/:id/approve-merge
	GET  /api/v1/escalations?open=true&instanceId=
	GET  /api/v1/escalations/:id
	POST /api/v1/escalations/:id/resolve           {"notes": "..."}

When a token is configured every /api/v1 call must carry it as a bearer
token. Control calls are written to the audit log with the actor taken from
the request body or the X-Devloop-Actor header.

Client wraps the same routes for the CLI.
*/
package api

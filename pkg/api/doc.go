/*
Package api is the HTTP Adapter: the echo-based JSON surface a
controller uses to admit tasks and poll their outcome.

	controller
	    |
	    v
	POST /tasks?task=<kind>  --> Supervisor.AdmitTask --> Queue Set
	POST /pause / /resume    --> Queue Set Pause()/Resume()
	GET  /history            --> History + in-flight running records
	GET  /tasks              --> same snapshot, full-collection view
	GET  /tasks/:id          --> single Task Record
	GET  /metrics            --> promhttp.Handler()

No request blocks on task completion: admission returns the Task
Record id immediately, matching the "disabled by construction" HTTP
timeout note — a client that wants the outcome polls /history.
*/
package api

// Command supervisor drives the autonomous multi-task pipeline: dispatching
// AI coding agents against queued tasks and walking each one through
// retry, review, merge, deploy, and verification.
package main

func main() {
	Execute()
}

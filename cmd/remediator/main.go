// Command remediator runs the incident remediation service and the fleet
// monitor.
package main

func main() {
	Execute()
}

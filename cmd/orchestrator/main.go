package main

import "github.com/okoabh/okoa-automated-processor-sub000/services/orchestrator/cli"

func main() {
	cli.Execute()
}

package sandbox_test

import (
	"context"
	"fmt"
	"log"

	"github.com/bpowers/boxedr/sandbox"
)

// Running a command with the system directories visible and nothing else.
func ExampleSystemPolicy() {
	policy := sandbox.SystemPolicy()

	cmd, err := policy.Command(context.Background(), "echo", "Hello from sandbox")
	if err != nil {
		log.Fatal(err)
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(output))
}

// Launching an R worker with a writable library directory.
func ExampleWorkerPolicy() {
	policy := sandbox.WorkerPolicy("/opt/R/4.4.0/lib/R")
	policy.WorkDir = "/var/lib/boxedr/worker"
	policy.ReadWriteMounts = append(policy.ReadWriteMounts,
		sandbox.Mount{Source: "/var/lib/boxedr/library", Target: "/var/lib/boxedr/library"},
	)

	cmd, err := policy.Command(context.Background(), "Rscript", "--vanilla", "host.R")
	if err != nil {
		log.Fatal(err)
	}
	if err := cmd.Start(); err != nil {
		log.Fatal(err)
	}
}

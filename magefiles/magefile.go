//go:build mage

// Tools for building and maintaining the IPC process control plane.
package main

import (
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Vets every package.
func Vet() error {
	return sh.RunV("go", "vet", "./...")
}

// Builds the ipcpd binary into bin/.
func Build() error {
	mg.Deps(Vet)
	if err := os.MkdirAll("bin", 0o755); err != nil {
		return err
	}
	_, err := sh.Exec(nil, os.Stdout, os.Stderr, "go", "build", "-o", "bin/ipcpd", "./cmd/ipcpd")
	return err
}

// Runs all tests.
// Tests are run with -race.
func Test() error {
	_, err := sh.Exec(nil, os.Stdout, os.Stderr, "go", "test", "./...", "-race", "-count=1")
	return err
}

package main

import "github.com/qrave1/MedCall/cmd"

func main() {
	cmd.Execute()
}

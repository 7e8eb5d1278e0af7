package main

import "github.com/andresmejia3/idproof/cmd"

func main() {
	cmd.Execute()
}

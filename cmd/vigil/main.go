// Command vigil verifies reported test outcomes against the evidence they
// left behind.
package main

func main() {
	Execute()
}

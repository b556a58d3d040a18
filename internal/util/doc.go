// Package util provides small string helpers shared by the gateway packages.
package util

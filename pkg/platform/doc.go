// Package platform implements engine.PlatformAdapter for the supported Linux
// OS families and the registry that selects one at startup.
//
// All host access goes through a hostexec.Runner, so the same adapters work
// on the local machine and over SSH. Families differ only in their package
// manager; filesystem, account and service primitives are shared and assume
// coreutils, shadow-utils and systemd.
package platform

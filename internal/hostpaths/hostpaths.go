// Package hostpaths answers the handful of OS directory questions the Path
// Resolver and CLI need (the search-order mode consults the system and
// Windows directories). It is split out on its own since it has no
// dependency on anything else in this module.
package hostpaths

/*
	Package tsio provides types, constants, and functions that have no other dependencies
	and can be used by all packages within tsio.  This includes the strided index ranges
	used to address a 5D (T,C,Z,Y,X) image, the dataset metadata carrier, the dense
	transfer array, the error taxonomy, logging and chunk serialization.
*/
package tsio

// Package asmflow recovers program structure from machine-level instruction
// streams through static analysis: basic block partitioning, control flow
// graph construction with loop detection, and instruction-level data
// dependency analysis. It works uniformly across architectures and operand
// notations by driving every analysis from declarative architecture
// descriptions.
//
// # Building Functions
//
// A [Function] is the unit of analysis: an ordered instruction sequence
// with resolved local labels. Use [ParseFragment] for a plain assembly
// listing, [ParseListing] for compiler-emitted files with several
// functions, [DecodeBytes] for raw machine code, or [DecodeELF] to pull
// every function symbol out of an ELF binary. All four tolerate degraded
// input, skipping what they cannot read.
//
// Stripped binaries carry no symbols to split on. [DetectEntryPoints]
// recovers candidate function starts by fusing prologue idioms
// ([DetectPrologues]) with resolved call and jump targets
// ([DetectCallSites]), and [SplitFunctions] or [SplitELF] decode along
// those recovered boundaries.
//
// # Control Flow Recovery
//
// [BuildCFG] partitions a function into basic blocks and connects them
// with fallthrough and branch edges; branches whose target cannot be
// mapped to an instruction are recorded on the graph instead of guessed
// at. [DetectBackEdges] finds the loop-closing edges by depth-first
// search, [NaturalLoop] expands one back edge into its loop body, and
// [ClassifyEdges] merges both views for reporting.
//
// # Dependency Analysis
//
// [AnalyzeDependencies] finds the read-after-write, write-after-write,
// and write-after-read hazards of an instruction sequence over two
// resource namespaces: physical register families, so eax and rax
// collide, and textual memory operand keys, so [rax+8] only collides
// with itself. [LoopCarried] additionally finds true dependencies whose
// value crosses a loop back edge into the next iteration. [Analyze] runs
// the whole pipeline and aggregates counts into a [Summary].
//
// # Architecture Descriptions
//
// An [ArchSpec] tells the analyses everything architecture-specific:
// register families and their width aliases, instruction dataflow
// categories, implicit register effects, and control flow classes.
// Built-in descriptions exist for x86_64, aarch64, and riscv64 via
// [Arch]; custom ones load through [LoadArchSpec], which validates
// fail-closed. [DetectArch] and [DetectSyntax] guess the right
// description and notation for a listing.
//
// # Warnings
//
// Analyses never log and never abort mid-function. Constructs outside the
// description degrade into [Warning] values on the result:
//   - unknown-register: the token's reads and writes are skipped
//   - unknown-mnemonic: conservative effects apply instead
//   - unresolved-target: the branch contributes no control flow edge
package asmflow

package tests

import (
	"net/http"
	"testing"
)

func TestTagListingAndSearch(t *testing.T) {
	env := setupTestEnv(t)
	alice := env.newClient(t, "alice")

	first, _, err := alice.publish(publishArgs{
		Path: env.writeSource(t, env.copyRoot, "genome.fa", ">seq\nACGT\n"),
		Tags: []string{"genomics", "fasta"},
	})
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = alice.publish(publishArgs{
		Path: env.writeSource(t, env.copyRoot, "counts.tsv", "gene\tcount\n"),
		Tags: []string{"genomics"},
	})
	if err != nil {
		t.Fatal(err)
	}
	env.runTasks(t)

	tags, err := alice.listTags()
	if err != nil {
		t.Fatal(err)
	}
	counts := map[string]int64{}
	for _, tag := range tags {
		counts[tag.Label] = tag.Count
	}
	if counts["genomics"] != 2 || counts["fasta"] != 1 {
		t.Fatalf("unexpected tag counts: %v", counts)
	}

	byTag, err := alice.search("tag=fasta")
	if err != nil {
		t.Fatal(err)
	}
	if byTag.Total != 1 || byTag.Files[0].Uri != first {
		t.Fatalf("tag search failed: %+v", byTag)
	}

	byName, err := alice.search("file=counts")
	if err != nil {
		t.Fatal(err)
	}
	if byName.Total != 1 || byName.Files[0].FileName != "counts.tsv" {
		t.Fatalf("name search failed: %+v", byName)
	}

	// One term matching both plus a tag narrowing to one.
	both, err := alice.search("tag=genomics")
	if err != nil {
		t.Fatal(err)
	}
	if both.Total != 2 {
		t.Fatalf("expected both files for genomics, got %+v", both)
	}
}

func TestTagEditing(t *testing.T) {
	env := setupTestEnv(t)
	alice := env.newClient(t, "alice")
	bob := env.newClient(t, "bob")

	fileId, _, err := alice.publish(publishArgs{
		Path: env.writeSource(t, env.copyRoot, "a.txt", "x"),
		Tags: []string{"keep"},
	})
	if err != nil {
		t.Fatal(err)
	}
	env.runTasks(t)

	// Only the owner or an admin may edit tags.
	if err := bob.addTags(fileId, []string{"sneaky"}); statusCodeOf(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401 for non-owner tagging, got %v", err)
	}

	// Adding an existing label is a no-op, not a duplicate.
	if err := alice.addTags(fileId, []string{"keep", "extra"}); err != nil {
		t.Fatal(err)
	}

	record := env.record(t, fileId)
	if len(record.Tags) != 2 {
		t.Fatalf("expected 2 tags, got %+v", record.Tags)
	}

	if err := alice.removeTags(fileId, []string{"extra", "never-existed"}); err != nil {
		t.Fatal(err)
	}

	record = env.record(t, fileId)
	if len(record.Tags) != 1 || record.Tags[0].Label != "keep" {
		t.Fatalf("expected only 'keep', got %+v", record.Tags)
	}

	// The removed label had no other files: it is pruned from the tag list.
	tags, err := alice.listTags()
	if err != nil {
		t.Fatal(err)
	}
	for _, tag := range tags {
		if tag.Label == "extra" {
			t.Fatal("orphan tag should have been pruned")
		}
	}
}

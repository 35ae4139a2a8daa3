// internal/github/queries.go
package github

// GraphQL documents sent to the GitHub v4 API. Every history query also
// selects rateLimit so the shared budget state is refreshed on each response.

const commitHistoryQuery = `
query($owner: String!, $name: String!, $branch: String!, $first: Int!, $after: String) {
  rateLimit {
    limit
    remaining
    resetAt
  }
  repository(owner: $owner, name: $name) {
    ref(qualifiedName: $branch) {
      target {
        ... on Commit {
          history(first: $first, after: $after) {
            pageInfo {
              hasNextPage
              endCursor
            }
            edges {
              node {
                oid
                messageHeadline
                committedDate
                author {
                  name
                  email
                }
              }
            }
          }
        }
      }
    }
  }
}`

const commitHistoryByAuthorQuery = `
query($owner: String!, $name: String!, $branch: String!, $first: Int!, $after: String, $authorId: ID!) {
  rateLimit {
    limit
    remaining
    resetAt
  }
  repository(owner: $owner, name: $name) {
    ref(qualifiedName: $branch) {
      target {
        ... on Commit {
          history(first: $first, after: $after, author: {id: $authorId}) {
            pageInfo {
              hasNextPage
              endCursor
            }
            edges {
              node {
                oid
                messageHeadline
                committedDate
                author {
                  name
                  email
                }
              }
            }
          }
        }
      }
    }
  }
}`

const userIDQuery = `
query($login: String!) {
  user(login: $login) {
    id
  }
}`

const contributedReposQuery = `
query($username: String!) {
  user(login: $username) {
    contributionsCollection {
      commitContributionsByRepository(maxRepositories: 100) {
        repository {
          name
          owner {
            login
          }
          defaultBranchRef {
            name
          }
        }
        contributions {
          totalCount
        }
      }
    }
  }
}`
